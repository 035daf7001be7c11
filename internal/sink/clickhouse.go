package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/hhstream/internal/domain"
	"github.com/SteelMorgan/hhstream/internal/retry"
)

// RawHandsTable is the archive table for hands as cut from the files
const RawHandsTable = "raw_hands"

// pendingBatches is how many full batches may wait for a failing ClickHouse
const pendingBatches = 20

// ErrBackpressure is returned by Write while too many hands wait for a flush
var ErrBackpressure = errors.New("clickhouse sink backlog full")

// ClickHouse DateTime64 valid range: 1925-01-01 to 2283-11-11
var (
	minClickHouseDateTime = time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)
	maxClickHouseDateTime = time.Date(2283, 11, 11, 23, 59, 59, 999999999, time.UTC)
)

// ensureValidDateTime clamps zero or out-of-range times to the minimum
func ensureValidDateTime(t time.Time) time.Time {
	if t.IsZero() || t.Before(minClickHouseDateTime) || t.After(maxClickHouseDateTime) {
		return minClickHouseDateTime
	}
	return t
}

// CreateRawHandsTable returns the DDL for the raw archive table.
// ReplacingMergeTree on the hash collapses hands re-read after a restart;
// hand_key links a partial hand to the complete one read later.
func CreateRawHandsTable(database string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
    id            UUID,
    hand_key      UUID,
    site          LowCardinality(String),
    source_path   String,
    hash          FixedString(64),
    partial       Bool,
    line_count    UInt32,
    body          String CODEC(ZSTD(3)),
    start_offset  Int64,
    resume_offset Int64,
    completed_at  DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(completed_at)
PARTITION BY toYYYYMM(completed_at)
ORDER BY (site, hash)`, database, RawHandsTable)
}

// ClickHouseSink writes hands to ClickHouse in batches. A hand stays in the
// batch until an insert containing it succeeded, so a nil Flush means every
// hand written before it is stored.
type ClickHouseSink struct {
	conn     clickhouse.Conn
	database string
	cfg      BatchConfig
	retryCfg retry.Config
	insert   func(ctx context.Context, hands []*domain.Hand) error

	sendMu    sync.Mutex // one insert at a time keeps requeued hands in order
	mu        sync.Mutex
	batch     []*domain.Hand
	lastFlush time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewClickHouseSink creates the batch writer and starts its flush timer
func NewClickHouseSink(conn clickhouse.Conn, database string, cfg BatchConfig, retryCfg retry.Config) *ClickHouseSink {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 500
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}

	s := &ClickHouseSink{
		conn:      conn,
		database:  database,
		cfg:       cfg,
		retryCfg:  retryCfg,
		batch:     make([]*domain.Hand, 0, cfg.MaxSize),
		lastFlush: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	s.insert = s.send
	go s.flushLoop()
	return s
}

// EnsureSchema creates the raw_hands table if it is missing
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	err := retry.Do(ctx, s.retryCfg, func() error {
		return s.conn.Exec(ctx, CreateRawHandsTable(s.database))
	})
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", RawHandsTable, err)
	}
	log.Info().Str("table", s.database+"."+RawHandsTable).Msg("ClickHouse schema ready")
	return nil
}

// Write adds a hand to the batch and flushes once the batch is full or stale.
// A failed flush keeps the hands for the next attempt; Write only fails when
// the backlog is full.
func (s *ClickHouseSink) Write(ctx context.Context, hand *domain.Hand) error {
	handCopy := *hand

	s.mu.Lock()
	if n := len(s.batch); n >= s.cfg.MaxSize*pendingBatches {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d hands pending", ErrBackpressure, n)
	}
	s.batch = append(s.batch, &handCopy)
	due := len(s.batch) >= s.cfg.MaxSize || time.Since(s.lastFlush) >= s.cfg.FlushTimeout
	s.mu.Unlock()

	if due {
		if err := s.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("ClickHouse flush failed, hands kept for retry")
		}
	}
	return nil
}

// Flush inserts all pending hands. On failure they are put back in front of
// the batch and the error is returned.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	snapshot := s.takeBatch()
	s.mu.Unlock()
	if len(snapshot) == 0 {
		return nil
	}

	if err := s.insert(ctx, snapshot); err != nil {
		s.mu.Lock()
		s.batch = append(snapshot, s.batch...)
		s.mu.Unlock()
		return fmt.Errorf("failed to flush %d hands: %w", len(snapshot), err)
	}
	return nil
}

// Pending returns how many hands wait for a successful insert
func (s *ClickHouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batch)
}

// Close stops the flush timer and writes the remaining hands
func (s *ClickHouseSink) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Flush(ctx); err != nil {
		log.Error().Err(err).Int("pending", s.Pending()).Msg("Hands left unwritten on close")
		return err
	}
	return nil
}

// takeBatch detaches the pending batch; callers hold mu
func (s *ClickHouseSink) takeBatch() []*domain.Hand {
	s.lastFlush = time.Now()
	if len(s.batch) == 0 {
		return nil
	}
	snapshot := make([]*domain.Hand, len(s.batch))
	copy(snapshot, s.batch)
	s.batch = s.batch[:0]
	return snapshot
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.FlushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := len(s.batch) > 0 && time.Since(s.lastFlush) >= s.cfg.FlushTimeout
			s.mu.Unlock()
			if !stale {
				continue
			}

			if err := s.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("Timed ClickHouse flush failed, hands kept for retry")
			}
		}
	}
}

// send inserts a snapshot in one batch, retrying transient failures
func (s *ClickHouseSink) send(ctx context.Context, snapshot []*domain.Hand) error {
	if len(snapshot) == 0 {
		return nil
	}

	start := time.Now()
	query := fmt.Sprintf("INSERT INTO %s.%s", s.database, RawHandsTable)

	err := retry.Do(ctx, s.retryCfg, func() error {
		batch, err := s.conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, h := range snapshot {
			if err := batch.Append(rawHandRow(h)...); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("failed to append to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Int("batch_size", len(snapshot)).
		Dur("duration", time.Since(start)).
		Msg("Flushed hand batch to ClickHouse")
	return nil
}

// rawHandRow orders the values as the raw_hands columns
func rawHandRow(h *domain.Hand) []any {
	return []any{
		h.ID,
		h.Key,
		h.Site,
		h.SourcePath,
		h.Hash,
		h.Partial,
		uint32(len(h.Lines)),
		h.Body(),
		h.StartOffset,
		h.ResumeOffset,
		ensureValidDateTime(h.CompletedAt),
	}
}
