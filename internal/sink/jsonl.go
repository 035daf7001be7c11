package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/hhstream/internal/domain"
)

// JSONLinesSink writes one JSON object per hand
type JSONLinesSink struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer // nil for writers the sink does not own
	count  uint64
}

// NewJSONLinesSink writes to w. The caller keeps ownership of w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	buf := bufio.NewWriter(w)
	return &JSONLinesSink{
		buf: buf,
		enc: json.NewEncoder(buf),
	}
}

// OpenJSONLinesSink appends to the file at path, or writes to stdout if path is empty
func OpenJSONLinesSink(path string) (*JSONLinesSink, error) {
	if path == "" {
		return NewJSONLinesSink(os.Stdout), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jsonl directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open jsonl file: %w", err)
	}

	s := NewJSONLinesSink(f)
	s.closer = f

	log.Info().Str("file", path).Msg("JSON lines sink opened")
	return s, nil
}

// Write encodes the hand as one line and flushes it to the writer
func (s *JSONLinesSink) Write(ctx context.Context, hand *domain.Hand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(newRecord(hand)); err != nil {
		return fmt.Errorf("failed to encode hand: %w", err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush jsonl: %w", err)
	}
	s.count++
	return nil
}

func (s *JSONLinesSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush jsonl: %w", err)
	}
	return nil
}

func (s *JSONLinesSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.buf.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}

	log.Debug().Uint64("hands_written", s.count).Msg("JSON lines sink closed")
	if err != nil {
		return fmt.Errorf("failed to close jsonl sink: %w", err)
	}
	return nil
}
