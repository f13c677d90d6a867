package cache

import (
	"strconv"
	"time"

	"github.com/maypok86/otter"

	"github.com/mfalcao/questline/internal/rules"
)

// CompiledCache is the process-local L1 layer for compiled missions, built on
// a high-performance, contention-free algorithm (S3-FIFO) provided by the
// 'otter' library. Compiling a rule allocates regexes and lookup sets, so a
// refresh cycle reuses the compiled form as long as the version is unchanged.
type CompiledCache struct {
	store otter.Cache[string, *rules.Mission]
}

// NewCompiledCache initializes the in-memory cache with strict limits.
// capacity: Max number of items (Hard Cap to prevent OOM).
// ttl: Time-To-Live for items (Safety net for eventual consistency).
func NewCompiledCache(capacity int, ttl time.Duration) (*CompiledCache, error) {
	builder := otter.MustBuilder[string, *rules.Mission](capacity).
		WithTTL(ttl)

	cache, err := builder.Build()
	if err != nil {
		return nil, err
	}

	return &CompiledCache{store: cache}, nil
}

// CompiledKey derives the cache key for one mission revision. Bumping the
// version invalidates naturally; no explicit eviction needed on update.
func CompiledKey(id string, version int64) string {
	return id + "|" + strconv.FormatInt(version, 10)
}

// Get retrieves a compiled mission from memory.
func (c *CompiledCache) Get(key string) (*rules.Mission, bool) {
	return c.store.Get(key)
}

// Set adds or updates a compiled mission in memory.
// The TTL configured in NewCompiledCache is applied automatically.
func (c *CompiledCache) Set(key string, m *rules.Mission) {
	c.store.Set(key, m)
}

// Close gracefully shuts down the cache and its background cleanup goroutines.
func (c *CompiledCache) Close() {
	c.store.Close()
}
