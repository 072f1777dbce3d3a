package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/168iroha/tag-search-engine/pkg/config"
)

// Producer publishes change events to a Kafka topic. Messages are keyed by
// event type, so events of one kind stay ordered within their partition.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer creates a Producer for the configured change-event topic.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "event-producer", "topic", topic),
	}
}

// Publish serialises a batch of change events and writes them to Kafka in a
// single call.
func (p *Producer) Publish(ctx context.Context, batch []Event) error {
	messages := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshaling %s event: %w", ev.Type, err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(ev.Type),
			Value: value,
		})
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("publishing %d change events: %w", len(messages), err)
	}
	p.logger.Debug("change events published", "count", len(messages))
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
