package tailer

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	strategyFsnotify = "fsnotify"
	strategyPolling  = "polling"
)

// monitor decides when read cycles run. Exactly one runs per tailer.
type monitor interface {
	name() string
	// run blocks until ctx is cancelled, calling cycle synchronously
	run(ctx context.Context, cycle func(context.Context))
}

// pollMonitor runs a cycle immediately and then once per interval
type pollMonitor struct {
	interval time.Duration
}

func (m *pollMonitor) name() string { return strategyPolling }

func (m *pollMonitor) run(ctx context.Context, cycle func(context.Context)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}

// fsnotifyMonitor blocks on change notifications for the file's parent directory
type fsnotifyMonitor struct {
	path     string
	watcher  *fsnotify.Watcher
	fallback time.Duration
	log      zerolog.Logger

	onError     func(err error)
	onDowngrade func(strategy string)
}

// newFsnotifyMonitor fails when the platform cannot deliver notifications for dir
func newFsnotifyMonitor(path string, fallback time.Duration, log zerolog.Logger) (*fsnotifyMonitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	return &fsnotifyMonitor{
		path:     path,
		watcher:  watcher,
		fallback: fallback,
		log:      log,
	}, nil
}

func (m *fsnotifyMonitor) name() string { return strategyFsnotify }

func (m *fsnotifyMonitor) run(ctx context.Context, cycle func(context.Context)) {
	defer func() { _ = m.watcher.Close() }()

	// Content written before Start has no event of its own
	cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				m.degrade(ctx, cycle)
				return
			}
			if filepath.Clean(event.Name) != m.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				cycle(ctx)
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				m.log.Debug().
					Str("file", m.path).
					Str("op", event.Op.String()).
					Msg("Watched file moved away, waiting for it to reappear")
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				m.degrade(ctx, cycle)
				return
			}
			m.log.Warn().Err(err).Str("file", m.path).Msg("fsnotify error")
			if m.onError != nil {
				m.onError(err)
			}
		}
	}
}

// degrade keeps the same goroutine alive as a polling loop
func (m *fsnotifyMonitor) degrade(ctx context.Context, cycle func(context.Context)) {
	m.log.Warn().
		Str("file", m.path).
		Dur("poll_interval", m.fallback).
		Msg("fsnotify stream closed, falling back to polling")
	if m.onDowngrade != nil {
		m.onDowngrade(strategyPolling)
	}
	(&pollMonitor{interval: m.fallback}).run(ctx, cycle)
}
