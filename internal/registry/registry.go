// Package registry maintains the live, compiled mission set served to the
// engine. It refreshes from the Redis distribution cache with a PostgreSQL
// fallback, compiles rules once per revision, and publishes the result as an
// immutable snapshot swapped atomically under readers.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mfalcao/questline/internal/cache"
	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/observability"
	"github.com/mfalcao/questline/internal/rules"
	"github.com/mfalcao/questline/internal/store"
)

// snapshot is one immutable view of the active mission set, indexed for the
// engine's lookups. Readers never see a partially built snapshot.
type snapshot struct {
	all       []*rules.Mission
	byID      map[string]*rules.Mission
	byTrigger map[event.Type][]*rules.Mission
}

var emptySnapshot = &snapshot{
	byID:      map[string]*rules.Mission{},
	byTrigger: map[event.Type][]*rules.Mission{},
}

// Compile-time check that Registry satisfies the engine's mission source.
var _ engine.MissionSource = (*Registry)(nil)

// Registry implements the engine's mission source. Construct with New, seed
// with Refresh, then keep fresh with Run.
type Registry struct {
	logger   *slog.Logger
	repo     store.MissionRepository
	warm     cache.MissionCache    // optional L2; nil disables
	compiled *cache.CompiledCache  // optional compile reuse; nil disables
	interval time.Duration

	snap atomic.Pointer[snapshot]
}

// New creates a Registry. The mission cache and compiled cache are optional.
func New(logger *slog.Logger, repo store.MissionRepository, warm cache.MissionCache, compiled *cache.CompiledCache, refreshInterval time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if repo == nil {
		panic("registry: mission repository cannot be nil")
	}
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Second
	}

	r := &Registry{
		logger:   logger,
		repo:     repo,
		warm:     warm,
		compiled: compiled,
		interval: refreshInterval,
	}
	r.snap.Store(emptySnapshot)
	return r
}

// MissionsFor returns the active missions with a trigger for the event type.
// The returned slice is shared and must not be mutated.
func (r *Registry) MissionsFor(t event.Type) []*rules.Mission {
	return r.snap.Load().byTrigger[t]
}

// Mission returns an active mission by ID, or nil.
func (r *Registry) Mission(id string) *rules.Mission {
	return r.snap.Load().byID[id]
}

// Missions returns the full active set.
func (r *Registry) Missions() []*rules.Mission {
	return r.snap.Load().all
}

// Refresh rebuilds the snapshot from the warm cache, falling back to the
// repository on a miss. A mission whose rule fails to compile is skipped and
// logged; one broken rule must not take down the rest of the set.
func (r *Registry) Refresh(ctx context.Context) error {
	missions, source, err := r.load(ctx)
	if err != nil {
		observability.RegistryRefreshes.WithLabelValues("fail", source).Inc()
		return err
	}

	next := &snapshot{
		all:       make([]*rules.Mission, 0, len(missions)),
		byID:      make(map[string]*rules.Mission, len(missions)),
		byTrigger: make(map[event.Type][]*rules.Mission),
	}

	for _, m := range missions {
		compiledMission, err := r.compile(m)
		if err != nil {
			r.logger.Error("skipping mission with invalid rule",
				slog.String("mission_id", m.ID),
				slog.Int64("version", m.Version),
				slog.String("error", err.Error()),
			)
			continue
		}

		next.all = append(next.all, compiledMission)
		next.byID[compiledMission.ID] = compiledMission
		for ti := range compiledMission.Rule.Triggers {
			t := compiledMission.Rule.Triggers[ti].EventType
			next.byTrigger[t] = append(next.byTrigger[t], compiledMission)
		}
	}

	r.snap.Store(next)
	observability.RegistryMissions.Set(float64(len(next.all)))
	observability.RegistryRefreshes.WithLabelValues("success", source).Inc()
	r.logger.Debug("mission set refreshed",
		slog.Int("missions", len(next.all)),
		slog.String("source", source),
	)
	return nil
}

// load tries the warm cache first. Any cache failure degrades to the
// repository rather than failing the refresh.
func (r *Registry) load(ctx context.Context) ([]*rules.Mission, string, error) {
	if r.warm != nil {
		missions, err := r.warm.LoadActiveSet(ctx)
		if err == nil {
			return missions, "redis", nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.logger.Warn("mission cache read failed, falling back to database",
				slog.String("error", err.Error()),
			)
		}
	}

	missions, err := r.repo.ListActive(ctx)
	if err != nil {
		return nil, "postgres", err
	}
	return missions, "postgres", nil
}

// compile returns the compiled form of a mission, reusing the compiled cache
// keyed by (id, version) when available.
func (r *Registry) compile(m *rules.Mission) (*rules.Mission, error) {
	if r.compiled == nil {
		if err := rules.Compile(m); err != nil {
			return nil, err
		}
		return m, nil
	}

	key := cache.CompiledKey(m.ID, m.Version)
	if hit, ok := r.compiled.Get(key); ok {
		observability.RegistryCompileHits.WithLabelValues("hit").Inc()
		return hit, nil
	}

	if err := rules.Compile(m); err != nil {
		observability.RegistryCompileHits.WithLabelValues("error").Inc()
		return nil, err
	}
	observability.RegistryCompileHits.WithLabelValues("miss").Inc()
	r.compiled.Set(key, m)
	return m, nil
}

// Run refreshes on a fixed interval until the context is cancelled. Failures
// are logged and retried next tick; the previous snapshot keeps serving.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("registry refresh loop started", slog.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry refresh loop stopped")
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("mission refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}
