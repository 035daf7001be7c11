package sink

import (
	"context"
	"errors"

	"github.com/SteelMorgan/hhstream/internal/domain"
)

// MultiSink fans every call out to all of its sinks
type MultiSink struct {
	sinks []HandSink
}

// NewMultiSink returns a sink writing to all given sinks, in order
func NewMultiSink(sinks ...HandSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write calls every sink even if one fails and returns the joined error
func (m *MultiSink) Write(ctx context.Context, hand *domain.Hand) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, hand); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
