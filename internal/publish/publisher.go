// Package publish delivers completion signals to downstream consumers
// (reward fulfilment, notifications, analytics) over Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/mfalcao/questline/internal/config"
	"github.com/mfalcao/questline/internal/engine"
)

// Compile-time checks.
var (
	_ engine.Publisher = (*KafkaPublisher)(nil)
	_ engine.Publisher = (*LogPublisher)(nil)
)

// KafkaPublisher writes completion signals to the completions topic, keyed by
// user so one user's signals land on one partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for the configured completion topic.
func NewKafkaPublisher(logger *slog.Logger, cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil || !cfg.IsConfigured() {
		return nil, fmt.Errorf("kafka is not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.BrokerList()...),
		Topic:        cfg.CompletionTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &KafkaPublisher{writer: writer, logger: logger}, nil
}

// Publish serializes the update as JSON and writes it synchronously. The
// caller treats failures as fire-and-forget; this method just reports them.
func (p *KafkaPublisher) Publish(ctx context.Context, update engine.Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode completion signal: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(update.UserID),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write completion signal: %w", err)
	}

	p.logger.Debug("completion signal published",
		slog.String("mission_id", update.MissionID),
		slog.String("user_id", update.UserID),
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes completion signals to the log only. Used when Kafka is
// not configured, so local and test deployments still surface completions.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log-only publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the signal at INFO.
func (p *LogPublisher) Publish(ctx context.Context, update engine.Update) error {
	p.logger.Info("mission completion",
		slog.String("mission_id", update.MissionID),
		slog.String("user_id", update.UserID),
		slog.String("event_id", update.EventID),
		slog.Float64("value", update.NewValue),
		slog.Float64("progress", update.Progress),
	)
	return nil
}
