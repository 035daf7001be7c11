package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SteelMorgan/hhstream/internal/domain"
	"github.com/SteelMorgan/hhstream/internal/handparser"
	"github.com/SteelMorgan/hhstream/internal/offset"
	"github.com/SteelMorgan/hhstream/internal/sink"
	"github.com/SteelMorgan/hhstream/internal/tailer"
)

const (
	// DefaultQueueSize bounds the hands waiting for the writer of one pipeline
	DefaultQueueSize = 256
	// DefaultCommitInterval is how often written hands are flushed and checkpointed
	DefaultCommitInterval = time.Second
)

// ErrPipelineRunning is returned by Start on a pipeline that was not stopped
var ErrPipelineRunning = errors.New("pipeline already running")

// PipelineConfig describes one tailed file
type PipelineConfig struct {
	Path           string
	Site           string
	Encoding       string
	PollInterval   time.Duration
	ForcePolling   bool
	StartAtEnd     bool // without a checkpoint, skip what is already in the file
	MaxHandLines   int
	QueueSize      int
	CommitInterval time.Duration   // how often the sink is flushed before the checkpoint moves
	Logger         *zerolog.Logger // nil = global logger
}

// Stats is a snapshot of pipeline state
type Stats struct {
	Path         string                `json:"path"`
	Site         string                `json:"site"`
	Position     int64                 `json:"position"`
	SafeOffset   int64                 `json:"safe_offset"`
	Strategy     string                `json:"strategy"`
	Parser       handparser.Statistics `json:"parser"`
	HandsWritten uint64                `json:"hands_written"`
	WriteErrors  uint64                `json:"write_errors"`
}

// item is one unit of work for the writer goroutine.
// A nil hand only moves the checkpoint.
type item struct {
	hand   *domain.Hand
	start  int64 // where the hand's header begins
	offset int64 // checkpoint once the hand is written
	rewind bool  // the file was truncated; earlier offsets are void
}

// cutHand is a completed hand and the offset of its header
type cutHand struct {
	lines []string
	start int64
}

// Pipeline connects a tailer, a hand parser and a sink for one file
type Pipeline struct {
	cfg    PipelineConfig
	tailer *tailer.Tailer
	parser *handparser.Parser
	sink   sink.HandSink
	store  offset.Store
	log    zerolog.Logger

	// mu guards the parser and the offsets below; the monitor goroutine
	// holds it while feeding a line
	mu        sync.Mutex
	lineStart int64 // start of the line being processed
	lineEnd   int64 // just past the last processed line
	handStart int64 // start of the buffered hand's header
	completed []cutHand
	queued    int64 // last offset handed to the writer

	lifeMu  sync.Mutex
	running bool
	queue   chan item
	done    chan struct{}

	// writer goroutine only
	persisted    int64 // last checkpoint in the store, -1 if none
	pending      int64 // checkpoint to commit after the next sink flush
	pinned       int64 // start of the first hand that failed to write, -1 if none
	handsWritten atomic.Uint64
	writeErrors  atomic.Uint64
}

// NewPipeline wires a tailer and parser for cfg.Path. Nothing runs until Start.
func NewPipeline(cfg PipelineConfig, hs sink.HandSink, store offset.Store) (*Pipeline, error) {
	if hs == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if store == nil {
		return nil, fmt.Errorf("offset store is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = DefaultCommitInterval
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	opts := []tailer.Option{
		tailer.WithLogger(logger),
		tailer.WithForcePolling(cfg.ForcePolling),
	}
	if cfg.Encoding != "" {
		opts = append(opts, tailer.WithEncoding(cfg.Encoding))
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, tailer.WithPollInterval(cfg.PollInterval))
	}

	tl, err := tailer.New(cfg.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tailer: %w", err)
	}

	parserOpts := []handparser.Option{handparser.WithLogger(logger)}
	if cfg.MaxHandLines > 0 {
		parserOpts = append(parserOpts, handparser.WithMaxHandLines(cfg.MaxHandLines))
	}
	parser := handparser.New(cfg.Site, parserOpts...)

	p := &Pipeline{
		cfg:    cfg,
		tailer: tl,
		parser: parser,
		sink:   hs,
		store:  store,
		log: logger.With().
			Str("component", "pipeline").
			Str("file", tl.Path()).
			Str("site", parser.Site()).
			Logger(),
	}

	if err := p.register(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) register() error {
	tailerHandlers := map[tailer.EventType]tailer.HandlerFunc{
		tailer.EventLine:  p.onLine,
		tailer.EventEOF:   p.onEOF,
		tailer.EventError: p.onTailerError,
	}
	for et, h := range tailerHandlers {
		if err := p.tailer.Register(et, h); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", et, err)
		}
	}

	parserHandlers := map[handparser.EventType]handparser.HandlerFunc{
		handparser.EventHandStart:    p.onHandStart,
		handparser.EventHandComplete: p.onHandComplete,
		handparser.EventParsingError: p.onParsingError,
	}
	for et, h := range parserHandlers {
		if err := p.parser.Register(et, h); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", et, err)
		}
	}
	return nil
}

// Path returns the absolute path of the tailed file
func (p *Pipeline) Path() string {
	return p.tailer.Path()
}

// Start restores the checkpoint, starts the writer and begins tailing
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.running {
		return ErrPipelineRunning
	}

	stored, found, err := p.store.Get(ctx, offset.SourceHandHistory, p.Path())
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	switch {
	case found:
		if err := p.tailer.SetPosition(int64(stored)); err != nil {
			return fmt.Errorf("failed to restore position: %w", err)
		}
	case p.cfg.StartAtEnd:
		if err := p.tailer.SeekToEnd(); err != nil {
			return fmt.Errorf("failed to seek to end: %w", err)
		}
	}

	pos := p.tailer.Position()
	p.mu.Lock()
	p.lineStart, p.lineEnd, p.handStart, p.queued = pos, pos, pos, pos
	p.mu.Unlock()
	p.persisted = int64(stored)
	if !found {
		p.persisted = -1
	}
	p.pending, p.pinned = p.persisted, -1

	queue := make(chan item, p.cfg.QueueSize)
	done := make(chan struct{})
	go p.writeLoop(queue, done)

	p.queue, p.done = queue, done

	if err := p.tailer.Start(); err != nil {
		close(queue)
		<-done
		return fmt.Errorf("failed to start tailer: %w", err)
	}
	p.running = true

	p.log.Info().
		Int64("offset", pos).
		Bool("resumed", found).
		Str("strategy", p.tailer.Strategy()).
		Msg("Pipeline started")
	return nil
}

// Stop stops tailing, emits a buffered partial hand, drains the writer and
// persists the final safe offset
func (p *Pipeline) Stop() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if !p.running {
		return nil
	}

	if err := p.tailer.Stop(); err != nil {
		// The monitor may still feed the queue, so it stays open
		return fmt.Errorf("failed to stop tailer: %w", err)
	}

	p.mu.Lock()
	partial := p.parser.Flush()
	final := p.safeOffsetLocked()
	handStart := p.handStart
	p.mu.Unlock()

	if len(partial) > 0 {
		// Resume from the header so the complete hand is read again next time
		final = handStart
		p.queue <- item{
			hand:   domain.NewHand(p.parser.Site(), p.Path(), partial, true, handStart, handStart),
			start:  handStart,
			offset: handStart,
		}
		p.log.Info().Int("lines", len(partial)).Msg("Flushed partial hand on stop")
	}
	p.queue <- item{offset: final}

	close(p.queue)
	<-p.done
	p.running = false

	p.mu.Lock()
	p.lineStart, p.lineEnd, p.handStart, p.queued = final, final, final, final
	p.mu.Unlock()
	if err := p.tailer.SetPosition(final); err != nil {
		p.log.Warn().Err(err).Msg("Failed to rewind tailer to safe offset")
	}

	p.log.Info().
		Int64("offset", final).
		Uint64("hands_written", p.handsWritten.Load()).
		Uint64("write_errors", p.writeErrors.Load()).
		Msg("Pipeline stopped")
	return nil
}

// Stats returns a snapshot of the pipeline state
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	parserStats := p.parser.Statistics()
	safe := p.safeOffsetLocked()
	p.mu.Unlock()

	return Stats{
		Path:         p.Path(),
		Site:         p.parser.Site(),
		Position:     p.tailer.Position(),
		SafeOffset:   safe,
		Strategy:     p.tailer.Strategy(),
		Parser:       parserStats,
		HandsWritten: p.handsWritten.Load(),
		WriteErrors:  p.writeErrors.Load(),
	}
}

// safeOffsetLocked is where a restart must resume so that no hand is lost
func (p *Pipeline) safeOffsetLocked() int64 {
	switch p.parser.State() {
	case handparser.StateHandStart, handparser.StateInHand:
		return p.handStart
	default:
		return p.lineEnd
	}
}

func (p *Pipeline) onLine(ev tailer.Event) error {
	p.mu.Lock()
	p.lineStart = p.lineEnd
	p.parser.ProcessLine(ev.Payload)
	p.lineEnd = ev.Offset

	if p.parser.State() == handparser.StateError {
		// Drop the broken hand and wait for the next header
		p.parser.Flush()
	}

	safe := p.safeOffsetLocked()
	completed := p.completed
	p.completed = nil
	if len(completed) > 0 {
		p.queued = safe
	}
	p.mu.Unlock()

	for _, h := range completed {
		p.queue <- item{
			hand:   domain.NewHand(p.parser.Site(), p.Path(), h.lines, false, h.start, safe),
			start:  h.start,
			offset: safe,
		}
	}
	return nil
}

// onEOF moves the checkpoint past lines that did not belong to any hand
func (p *Pipeline) onEOF(ev tailer.Event) error {
	p.mu.Lock()
	idle := p.parser.State() == handparser.StateIdle
	safe := p.lineEnd
	moved := idle && safe != p.queued
	if moved {
		p.queued = safe
	}
	p.mu.Unlock()

	if moved {
		p.queue <- item{offset: safe}
	}
	return nil
}

func (p *Pipeline) onTailerError(ev tailer.Event) error {
	p.mu.Lock()
	truncated := ev.Offset < p.lineEnd
	var partial []string
	var handStart int64
	if truncated {
		handStart = p.handStart
		partial = p.parser.Flush()
		p.lineStart, p.lineEnd, p.handStart, p.queued = ev.Offset, ev.Offset, ev.Offset, ev.Offset
	}
	p.mu.Unlock()

	p.log.Warn().
		Str("error", ev.Payload).
		Int64("offset", ev.Offset).
		Msg("Tailer reported an error")

	if !truncated {
		return nil
	}
	if len(partial) > 0 {
		p.queue <- item{
			hand:   domain.NewHand(p.parser.Site(), p.Path(), partial, true, handStart, ev.Offset),
			start:  handStart,
			offset: ev.Offset,
		}
	}
	p.queue <- item{offset: ev.Offset, rewind: true}
	return nil
}

// Parser callbacks run inside onLine with mu held

func (p *Pipeline) onHandStart(ev handparser.Event) error {
	p.handStart = p.lineStart
	return nil
}

// hand_complete fires before a closing header's hand_start, so handStart
// still belongs to the completed hand
func (p *Pipeline) onHandComplete(ev handparser.Event) error {
	p.completed = append(p.completed, cutHand{lines: ev.Lines, start: p.handStart})
	return nil
}

func (p *Pipeline) onParsingError(ev handparser.Event) error {
	p.log.Error().
		Str("error", ev.Message).
		Int64("offset", p.lineStart).
		Msg("Hand parsing failed, skipping to next hand")
	return nil
}

// writeLoop writes queued hands and commits the checkpoint every
// CommitInterval and once more when the queue is closed
func (p *Pipeline) writeLoop(queue <-chan item, done chan<- struct{}) {
	defer close(done)

	ctx := context.Background()
	ticker := time.NewTicker(p.cfg.CommitInterval)
	defer ticker.Stop()

	for {
		select {
		case it, ok := <-queue:
			if !ok {
				p.commit(ctx)
				return
			}
			p.process(ctx, it)
		case <-ticker.C:
			p.commit(ctx)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, it item) {
	if it.rewind {
		p.pinned = -1
	}
	if it.hand != nil {
		if err := p.writeHand(ctx, it.hand); err != nil {
			p.writeErrors.Add(1)
			if p.pinned < 0 {
				// Later hands may still be written, but a restart has to
				// resume at this one
				p.pinned = it.start
			}
			p.log.Error().
				Err(err).
				Str("hand_id", it.hand.ID.String()).
				Int("lines", len(it.hand.Lines)).
				Int64("pinned_offset", p.pinned).
				Msg("Failed to write hand")
			return
		}
		p.handsWritten.Add(1)
	}

	p.pending = it.offset
}

func (p *Pipeline) writeHand(ctx context.Context, hand *domain.Hand) error {
	ctx, span := startSpan(ctx, "hand.write",
		attribute.String("hand.site", hand.Site),
		attribute.String("hand.source_path", hand.SourcePath),
		attribute.String("hand.hash", hand.Hash),
		attribute.String("hand.key", hand.Key.String()),
		attribute.Int("hand.lines", len(hand.Lines)),
		attribute.Bool("hand.partial", hand.Partial),
	)

	err := p.sink.Write(ctx, hand)
	endSpan(span, err, "hand written")
	return err
}

// commit flushes the sink and then persists the checkpoint, so a stored
// offset never runs ahead of what the sink has made durable
func (p *Pipeline) commit(ctx context.Context) {
	off := p.pending
	if p.pinned >= 0 && p.pinned < off {
		off = p.pinned
	}
	if off < 0 || off == p.persisted {
		return
	}

	if err := p.sink.Flush(ctx); err != nil {
		p.log.Warn().Err(err).Int64("offset", off).Msg("Sink flush failed, checkpoint not moved")
		return
	}
	if err := p.store.Set(ctx, offset.SourceHandHistory, p.Path(), uint64(off)); err != nil {
		p.log.Warn().Err(err).Int64("offset", off).Msg("Failed to persist checkpoint")
		return
	}
	p.persisted = off
}
