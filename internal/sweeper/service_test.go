package sweeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfalcao/questline/internal/config"
	"github.com/mfalcao/questline/internal/rules"
	"github.com/mfalcao/questline/internal/store"
	"github.com/mfalcao/questline/internal/sweeper"
)

type countingPruner struct {
	mu        sync.Mutex
	calls     int
	batchSize int
	err       error
}

func (p *countingPruner) Sweep(ctx context.Context, batchSize int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.batchSize = batchSize
	return 3, p.err
}

func (p *countingPruner) snapshot() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.batchSize
}

type captureCache struct {
	mu       sync.Mutex
	stored   []*rules.Mission
	ttl      time.Duration
	storeErr error
}

func (c *captureCache) StoreActiveSet(ctx context.Context, missions []*rules.Mission, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = missions
	c.ttl = ttl
	return c.storeErr
}

func (c *captureCache) LoadActiveSet(ctx context.Context) ([]*rules.Mission, error) {
	return nil, errors.New("not implemented")
}

func (c *captureCache) Close() error { return nil }

func (c *captureCache) snapshot() ([]*rules.Mission, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stored, c.ttl
}

// runOneCycle runs the service just long enough for the immediate startup
// sweep and then cancels it.
func runOneCycle(t *testing.T, svc *sweeper.Service) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewGuardsAndDefaults(t *testing.T) {
	t.Parallel()

	repo := store.NewMemoryMissionStore()
	pruner := &countingPruner{}

	assert.Panics(t, func() { sweeper.New(nil, config.SweeperConfig{}, nil, repo, nil) })
	assert.Panics(t, func() { sweeper.New(nil, config.SweeperConfig{}, pruner, nil, nil) })

	// A zero config must be clamped to usable defaults, observable through
	// the batch size handed to the pruner.
	svc := sweeper.New(nil, config.SweeperConfig{}, pruner, repo, nil)
	runOneCycle(t, svc)

	calls, batch := pruner.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 500, batch)
}

// =============================================================================
// Sweep cycle Tests
// =============================================================================

func TestRunSweepsImmediately(t *testing.T) {
	t.Parallel()

	repo := store.NewMemoryMissionStore()
	repo.Put(&rules.Mission{ID: "m1", Enabled: true})
	repo.Put(&rules.Mission{ID: "m2", Enabled: true})
	repo.Put(&rules.Mission{ID: "off", Enabled: false})

	pruner := &countingPruner{}
	warm := &captureCache{}
	cfg := config.SweeperConfig{Interval: time.Hour, BatchSize: 250, CacheRefresh: true}

	runOneCycle(t, sweeper.New(nil, cfg, pruner, repo, warm))

	calls, batch := pruner.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 250, batch)

	stored, ttl := warm.snapshot()
	require.Len(t, stored, 2)
	assert.Equal(t, 3*time.Hour, ttl)
}

func TestRunSkipsCacheRefreshWhenDisabled(t *testing.T) {
	t.Parallel()

	repo := store.NewMemoryMissionStore()
	repo.Put(&rules.Mission{ID: "m1", Enabled: true})

	warm := &captureCache{}
	cfg := config.SweeperConfig{Interval: time.Hour, BatchSize: 100, CacheRefresh: false}

	runOneCycle(t, sweeper.New(nil, cfg, &countingPruner{}, repo, warm))

	stored, _ := warm.snapshot()
	assert.Nil(t, stored)
}

func TestRunSurvivesFailures(t *testing.T) {
	t.Parallel()

	repo := store.NewMemoryMissionStore()
	repo.Put(&rules.Mission{ID: "m1", Enabled: true})

	// Both a pruner failure and a cache failure must leave the worker alive
	// and the run loop returning cleanly on cancellation.
	pruner := &countingPruner{err: errors.New("postgres down")}
	warm := &captureCache{storeErr: errors.New("redis down")}
	cfg := config.SweeperConfig{Interval: time.Hour, BatchSize: 100, CacheRefresh: true}

	runOneCycle(t, sweeper.New(nil, cfg, pruner, repo, warm))

	calls, _ := pruner.snapshot()
	assert.Equal(t, 1, calls)
}
