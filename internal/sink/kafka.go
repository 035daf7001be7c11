package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/SteelMorgan/hhstream/internal/domain"
	"github.com/SteelMorgan/hhstream/internal/retry"
)

// messageWriter is the part of *kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each hand as a JSON message keyed by its hand key, so on
// a compacted topic the complete hand replaces an earlier partial one
type KafkaSink struct {
	writer   messageWriter
	topic    string
	retryCfg retry.Config
}

// NewKafkaSink creates a synchronous producer for topic
func NewKafkaSink(brokers []string, topic string, retryCfg retry.Config) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka sink initialized")

	return newKafkaSink(w, topic, retryCfg)
}

func newKafkaSink(w messageWriter, topic string, retryCfg retry.Config) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic, retryCfg: retryCfg}
}

// Write publishes the hand and waits for the broker ack
func (s *KafkaSink) Write(ctx context.Context, hand *domain.Hand) error {
	payload, err := json.Marshal(newRecord(hand))
	if err != nil {
		return fmt.Errorf("failed to marshal hand: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(hand.Key.String()),
		Value: payload,
		Time:  hand.CompletedAt,
		Headers: []kafka.Header{
			{Key: "site", Value: []byte(hand.Site)},
			{Key: "source_path", Value: []byte(hand.SourcePath)},
			{Key: "hash", Value: []byte(hand.Hash)},
		},
	}

	if err := retry.Do(ctx, s.retryCfg, func() error {
		return s.writer.WriteMessages(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to publish hand to %s: %w", s.topic, err)
	}
	return nil
}

// Flush is a no-op: Write returns after the broker acknowledged
func (s *KafkaSink) Flush(ctx context.Context) error {
	return nil
}

func (s *KafkaSink) Close() error {
	log.Info().Str("topic", s.topic).Msg("Closing Kafka sink")
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
