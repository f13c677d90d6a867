// Package bus implements the event ingress and dispatch layer. Events are
// validated at the boundary, partitioned by user onto worker shards, and
// delivered to subscribers in per-user emission order. Events from different
// users interleave freely across shards for throughput.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/observability"
)

// Handler consumes one event. Delivery is at-least-once; handlers must be
// idempotent per event ID. The context carries the delivery timeout.
type Handler func(ctx context.Context, evt event.Event)

// EventRejected is returned by Emit when an event fails boundary validation
// and was not dispatched to any subscriber.
type EventRejected struct {
	Reason string
}

// Error implements the error interface.
func (e *EventRejected) Error() string {
	return fmt.Sprintf("event rejected: %s", e.Reason)
}

// ErrBusClosed is returned by Emit after Close.
var ErrBusClosed = &EventRejected{Reason: "bus is closed"}

// subscriber pairs a handler with a name for logging and metrics.
type subscriber struct {
	name    string
	handler Handler
}

// Options tunes the bus.
type Options struct {
	// Shards is the number of worker goroutines. All events of one user map
	// to one shard, so this bounds cross-user parallelism.
	Shards int
	// QueueDepth is the per-shard queue capacity; Emit blocks when full.
	QueueDepth int
	// DeliveryTimeout bounds one subscriber's handling of one event. A slow
	// subscriber is cut off and logged; delivery continues to the others.
	DeliveryTimeout time.Duration
}

// Bus fans events out to subscribers with a per-user ordering guarantee.
// Construct one per composition root and pass it explicitly; there is no
// package-level instance.
type Bus struct {
	logger *slog.Logger
	opts   Options

	mu     sync.RWMutex
	byType map[event.Type][]subscriber
	all    []subscriber
	closed bool

	shards []chan event.Event
	wg     sync.WaitGroup

	// emitters tracks in-flight Emit calls. Close waits for them before
	// closing the shard channels, so an emit that passed the closed check
	// never sends on a closed channel.
	emitters sync.WaitGroup
}

// New creates a bus and starts its shard workers.
func New(logger *slog.Logger, opts Options) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}

	b := &Bus{
		logger: logger,
		opts:   opts,
		byType: make(map[event.Type][]subscriber),
		shards: make([]chan event.Event, opts.Shards),
	}

	for i := range b.shards {
		b.shards[i] = make(chan event.Event, opts.QueueDepth)
		b.wg.Add(1)
		go b.runShard(i)
	}

	return b
}

// Subscribe registers a handler for one event type. Not safe to call after
// events for that type are in flight if ordering across subscribers matters;
// wire subscriptions at composition time.
func (b *Bus) Subscribe(t event.Type, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], subscriber{name: name, handler: h})
}

// SubscribeAll registers a handler for every event type. The rule engine
// subscribes this way: which types matter depends on the live mission set.
func (b *Bus) SubscribeAll(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, subscriber{name: name, handler: h})
}

// Emit validates and enqueues one event. Malformed events are rejected
// synchronously without dispatch. Enqueueing blocks when the user's shard
// queue is full (backpressure) unless the context is done first.
func (b *Bus) Emit(ctx context.Context, evt event.Event) error {
	if err := evt.Validate(); err != nil {
		observability.BusEventsRejected.Inc()
		return &EventRejected{Reason: err.Error()}
	}

	// Registering with the emitters group under the same lock that guards
	// closed makes the two atomic: Close either sees this emit and waits for
	// its send, or this emit sees closed.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	b.emitters.Add(1)
	b.mu.RUnlock()
	defer b.emitters.Done()

	if !evt.Type.IsKnown() {
		b.logger.Debug("emitting unregistered event type", slog.String("type", string(evt.Type)))
	}

	shard := b.shardFor(evt.UserID)
	select {
	case b.shards[shard] <- evt:
		observability.BusEventsEmitted.WithLabelValues(string(evt.Type)).Inc()
		observability.BusQueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(b.shards[shard])))
		return nil
	case <-ctx.Done():
		return &EventRejected{Reason: "enqueue cancelled: " + ctx.Err().Error()}
	}
}

// Close stops accepting events, drains the shard queues, and waits for the
// workers to finish delivering.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	// New emits are refused now; wait out the ones already past the check.
	// The shard workers keep draining, so blocked sends make progress.
	b.emitters.Wait()

	for _, ch := range b.shards {
		close(ch)
	}
	b.wg.Wait()
}

// shardFor maps a user to a shard. Murmur3 gives a stable, well-distributed
// assignment so one user's events always serialize on one worker.
func (b *Bus) shardFor(userID string) int {
	return int(murmur3.Sum32([]byte(userID)) % uint32(len(b.shards)))
}

// runShard delivers events from one queue, in order, to every subscriber.
func (b *Bus) runShard(idx int) {
	defer b.wg.Done()
	label := strconv.Itoa(idx)

	for evt := range b.shards[idx] {
		observability.BusQueueDepth.WithLabelValues(label).Set(float64(len(b.shards[idx])))
		b.dispatch(evt)
	}
}

// dispatch delivers one event to the type-specific and catch-all
// subscribers. A subscriber overrunning the delivery timeout is logged and
// counted; its failure never blocks delivery to the others, and the shard
// keeps its ordering because delivery stays on the shard goroutine.
func (b *Bus) dispatch(evt event.Event) {
	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.byType[evt.Type])+len(b.all))
	subs = append(subs, b.byType[evt.Type]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.DeliveryTimeout)
		start := time.Now()

		sub.handler(ctx, evt)

		if elapsed := time.Since(start); elapsed > b.opts.DeliveryTimeout {
			observability.BusDeliveryTimeouts.WithLabelValues(sub.name).Inc()
			b.logger.Warn("subscriber exceeded delivery timeout",
				slog.String("subscriber", sub.name),
				slog.String("event_id", evt.ID),
				slog.Duration("elapsed", elapsed),
			)
		}
		cancel()
	}
}
