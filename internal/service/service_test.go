package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/hhstream/internal/config"
	"github.com/SteelMorgan/hhstream/internal/offset"
)

func TestNewIngestService_Validation(t *testing.T) {
	_, err := NewIngestService(nil, &recordingSink{}, offset.NewMemoryStore())
	assert.Error(t, err)
	_, err = NewIngestService(&config.Config{}, nil, offset.NewMemoryStore())
	assert.Error(t, err)
	_, err = NewIngestService(&config.Config{}, &recordingSink{}, nil)
	assert.Error(t, err)
}

func TestIngestService_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), handText(1))
	writeFile(t, filepath.Join(dir, "ignored.log"), handText(99))

	skip := false
	cfg := &config.Config{
		Targets: []config.Target{{
			Dir:            dir,
			Pattern:        "*.txt",
			Site:           "PokerStars",
			Encoding:       "utf-8",
			PollIntervalMs: 10,
			StartAtEnd:     &skip,
		}},
		ForcePolling:   true,
		RescanInterval: 20 * time.Millisecond,
		MaxHandLines:   5000,
	}

	hs := &recordingSink{}
	store := offset.NewMemoryStore()
	svc, err := NewIngestService(cfg, hs, store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return hs.count() == 1 }, waitFor, tick)

	writeFile(t, filepath.Join(dir, "b.txt"), handText(2))
	require.Eventually(t, func() bool { return hs.count() == 2 }, waitFor, tick)

	stats := svc.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, filepath.Join(dir, "a.txt"), stats[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.txt"), stats[1].Path)

	cancel()
	require.NoError(t, <-errCh)
	require.NoError(t, svc.Stop())

	assert.GreaterOrEqual(t, hs.flushes, 1)
	all, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	for _, h := range hs.snapshot() {
		assert.NotContains(t, h.Lines[0], "#99")
	}
}
