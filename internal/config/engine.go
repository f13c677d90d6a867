package config

import (
	"fmt"
	"time"
)

// EngineConfig tunes the event bus and the rule engine.
type EngineConfig struct {
	// BusShards is the number of worker shards in the event bus. Events are
	// partitioned by user ID, so this bounds cross-user parallelism.
	BusShards int `envconfig:"BUS_SHARDS" default:"16" validate:"min=1,max=1024"`

	// BusQueueDepth is the per-shard queue capacity. Emit blocks once a
	// shard's queue is full (backpressure).
	BusQueueDepth int `envconfig:"BUS_QUEUE_DEPTH" default:"1024" validate:"min=1"`

	// DeliveryTimeout bounds how long a single subscriber may hold an event.
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"5s"`

	// RegistryRefreshInterval is how often the mission registry reloads
	// active mission definitions.
	RegistryRefreshInterval time.Duration `envconfig:"REGISTRY_REFRESH_INTERVAL" default:"15s"`

	// MaxAppliedEvents bounds the per-progress idempotency log.
	MaxAppliedEvents int `envconfig:"MAX_APPLIED_EVENTS" default:"512" validate:"min=16"`

	// MaxBufferedEvents bounds the per-progress qualifying-event buffer.
	MaxBufferedEvents int `envconfig:"MAX_BUFFERED_EVENTS" default:"2048" validate:"min=16"`
}

// Validate performs validation on the EngineConfig.
func (c *EngineConfig) Validate() error {
	if c.DeliveryTimeout < 100*time.Millisecond {
		return fmt.Errorf("engine delivery timeout must be at least 100ms, got %s", c.DeliveryTimeout)
	}
	return nil
}
