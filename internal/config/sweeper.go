package config

import "time"

// SweeperConfig configures the background maintenance worker.
type SweeperConfig struct {
	// Interval is the duration between sweep cycles.
	Interval time.Duration `envconfig:"INTERVAL" default:"1m"`

	// BatchSize is the number of progress records inspected per cycle.
	BatchSize int `envconfig:"BATCH_SIZE" default:"500" validate:"min=1"`

	// CacheRefresh toggles pushing active missions into the Redis cache
	// on every cycle so engine replicas can warm up without hitting Postgres.
	CacheRefresh bool `envconfig:"CACHE_REFRESH" default:"true"`
}
