// Package sink delivers completed hands to their downstream stores.
package sink

import (
	"context"
	"time"

	"github.com/SteelMorgan/hhstream/internal/domain"
)

// HandSink consumes hands produced by the pipelines
type HandSink interface {
	// Write hands one hand to the sink; it may be buffered
	Write(ctx context.Context, hand *domain.Hand) error

	// Flush forces writing all pending hands. A nil return means every hand
	// accepted by Write before the call is stored.
	Flush(ctx context.Context) error

	// Close flushes pending hands and releases the sink
	Close() error
}

// BatchConfig configures batch behavior
type BatchConfig struct {
	MaxSize      int           // Maximum hands per batch
	FlushTimeout time.Duration // Maximum time a hand waits in the batch
}

// record is the wire shape of a hand for JSON-based sinks
type record struct {
	ID           string    `json:"id"`
	HandKey      string    `json:"hand_key"`
	Site         string    `json:"site"`
	SourcePath   string    `json:"source_path"`
	Hash         string    `json:"hash"`
	Partial      bool      `json:"partial"`
	LineCount    int       `json:"line_count"`
	StartOffset  int64     `json:"start_offset"`
	ResumeOffset int64     `json:"resume_offset"`
	CompletedAt  time.Time `json:"completed_at"`
	Lines        []string  `json:"lines"`
}

func newRecord(h *domain.Hand) record {
	return record{
		ID:           h.ID.String(),
		HandKey:      h.Key.String(),
		Site:         h.Site,
		SourcePath:   h.SourcePath,
		Hash:         h.Hash,
		Partial:      h.Partial,
		LineCount:    len(h.Lines),
		StartOffset:  h.StartOffset,
		ResumeOffset: h.ResumeOffset,
		CompletedAt:  h.CompletedAt,
		Lines:        h.Lines,
	}
}
