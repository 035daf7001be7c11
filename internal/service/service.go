package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/hhstream/internal/config"
	"github.com/SteelMorgan/hhstream/internal/offset"
	"github.com/SteelMorgan/hhstream/internal/sink"
)

// IngestService runs one pipeline per discovered hand-history file
type IngestService struct {
	cfg   *config.Config
	sink  sink.HandSink
	store offset.Store

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	stopped   bool
}

// NewIngestService creates a new ingest service
func NewIngestService(cfg *config.Config, hs sink.HandSink, store offset.Store) (*IngestService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if hs == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if store == nil {
		return nil, fmt.Errorf("offset store is required")
	}

	return &IngestService{
		cfg:       cfg,
		sink:      hs,
		store:     store,
		pipelines: make(map[string]*Pipeline),
	}, nil
}

// Start scans the targets, starts pipelines and rescans until ctx is done
func (s *IngestService) Start(ctx context.Context) error {
	log.Info().
		Int("targets", len(s.cfg.Targets)).
		Dur("rescan_interval", s.cfg.RescanInterval).
		Msg("Ingest service starting...")

	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Ingest service context cancelled")
			return nil
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// Stop stops all pipelines and flushes the sink
func (s *IngestService) Stop() error {
	log.Info().Msg("Ingest service stopping...")

	s.mu.Lock()
	s.stopped = true
	pipelines := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipelines = append(pipelines, p)
	}
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, p := range pipelines {
		wg.Add(1)
		go func(p *Pipeline) {
			defer wg.Done()
			if err := p.Stop(); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", p.Path(), err))
				emu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sink.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush sink: %w", err))
	}

	return errors.Join(errs...)
}

// Stats returns per-file statistics sorted by path
func (s *IngestService) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stats, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// scan starts a pipeline for every new file, oldest first
func (s *IngestService) scan(ctx context.Context) {
	found, err := discover(s.cfg.Targets)
	if err != nil {
		log.Warn().Err(err).Msg("Target scan incomplete")
	}

	for _, c := range found {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		_, known := s.pipelines[c.path]
		stopped := s.stopped
		s.mu.Unlock()
		if known || stopped {
			continue
		}

		p, err := NewPipeline(s.pipelineConfig(c), s.sink, s.store)
		if err != nil {
			log.Error().Err(err).Str("file", c.path).Msg("Failed to create pipeline")
			continue
		}
		if err := p.Start(ctx); err != nil {
			log.Error().Err(err).Str("file", c.path).Msg("Failed to start pipeline")
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = p.Stop()
			return
		}
		s.pipelines[c.path] = p
		s.mu.Unlock()

		log.Info().
			Str("file", c.path).
			Str("site", c.target.Site).
			Time("mod_time", c.modTime).
			Msg("Tailing hand-history file")
	}
}

func (s *IngestService) pipelineConfig(c candidate) PipelineConfig {
	return PipelineConfig{
		Path:           c.path,
		Site:           c.target.Site,
		Encoding:       c.target.Encoding,
		PollInterval:   c.target.PollInterval(),
		ForcePolling:   s.cfg.ForcePolling,
		StartAtEnd:     c.target.SkipHistory(),
		MaxHandLines:   s.cfg.MaxHandLines,
		CommitInterval: s.cfg.CommitInterval,
	}
}
