// Package ingest consumes activity events from Kafka and feeds them into the
// event bus. It is the streaming ingress; the control API provides the HTTP
// one.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mfalcao/questline/internal/bus"
	"github.com/mfalcao/questline/internal/config"
	"github.com/mfalcao/questline/internal/event"
)

// Consumer streams events from the events topic into the bus. Offsets are
// committed once Emit has accepted the event onto its in-memory shard queue,
// not after delivery: a crash between commit and dispatch drops the queued
// events, so consumption is at-most-once past the enqueue point. Events that
// do get delivered may also be replayed (commit failure); the engine's
// per-event idempotency absorbs those.
type Consumer struct {
	reader *kafka.Reader
	bus    *bus.Bus
	logger *slog.Logger
	poll   time.Duration
}

// NewConsumer builds a consumer-group reader for the events topic.
func NewConsumer(logger *slog.Logger, cfg *config.KafkaConfig, b *bus.Bus) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil || !cfg.IsConfigured() {
		return nil, errors.New("kafka is not configured")
	}
	if b == nil {
		return nil, errors.New("bus must not be nil")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.BrokerList(),
		GroupID:     cfg.ConsumerGroup,
		Topic:       cfg.EventsTopic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	return &Consumer{
		reader: reader,
		bus:    b,
		logger: logger,
		poll:   5 * time.Second,
	}, nil
}

// Run blocks until the context is cancelled or the reader is closed,
// consuming messages and emitting them onto the bus.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("event consumer started",
		slog.String("topic", c.reader.Config().Topic),
		slog.String("group", c.reader.Config().GroupID),
	)
	defer c.logger.Info("event consumer stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			c.logger.Error("event fetch failed", slog.Any("error", err))
			continue
		}

		var evt event.Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			// Poison messages are committed past, not retried forever.
			c.logger.Warn("dropping undecodable event",
				slog.Int64("offset", msg.Offset),
				slog.Any("error", err),
			)
		} else if err := c.bus.Emit(ctx, evt); err != nil {
			var rejected *bus.EventRejected
			if errors.As(err, &rejected) && !errors.Is(err, bus.ErrBusClosed) {
				c.logger.Warn("dropping rejected event",
					slog.String("event_id", evt.ID),
					slog.String("reason", rejected.Reason),
				)
			} else {
				// Shutdown or cancellation: leave the offset uncommitted so
				// another consumer picks the event up.
				return err
			}
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, c.poll)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				c.logger.Error("offset commit failed", slog.Any("error", err))
			}
		}
		commitCancel()
	}
}

// Close shuts down the underlying Kafka reader.
func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
