// Package sweeper implements the background maintenance worker. Each cycle
// expires out-of-window events from progress records and pushes the active
// mission set from PostgreSQL into the Redis distribution cache.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/mfalcao/questline/internal/cache"
	"github.com/mfalcao/questline/internal/config"
	"github.com/mfalcao/questline/internal/observability"
	"github.com/mfalcao/questline/internal/store"
)

// Pruner is the sweep entry point. Implemented by the engine.
type Pruner interface {
	Sweep(ctx context.Context, batchSize int) (pruned int, err error)
}

// Service orchestrates the maintenance cycles.
type Service struct {
	logger *slog.Logger
	config config.SweeperConfig
	pruner Pruner
	repo   store.MissionRepository
	warm   cache.MissionCache // nil disables cache refresh
}

// New creates a new sweeper service. The mission cache is optional.
func New(logger *slog.Logger, cfg config.SweeperConfig, pruner Pruner, repo store.MissionRepository, warm cache.MissionCache) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pruner == nil {
		panic("sweeper: pruner cannot be nil")
	}
	if repo == nil {
		panic("sweeper: mission repository cannot be nil")
	}

	if cfg.Interval < time.Second {
		cfg.Interval = time.Minute // Safe default
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	return &Service{
		logger: logger,
		config: cfg,
		pruner: pruner,
		repo:   repo,
		warm:   warm,
	}
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting sweeper service", slog.String("interval", s.config.Interval.String()))

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run once immediately on startup.
	if err := s.sweep(ctx); err != nil {
		s.logger.Error("initial sweep failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper service stopping...")
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				// Log but keep the worker alive; retry on next tick.
				s.logger.Error("sweep cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// sweep performs a single maintenance cycle.
func (s *Service) sweep(ctx context.Context) error {
	start := time.Now()

	pruned, err := s.pruner.Sweep(ctx, s.config.BatchSize)
	if err != nil {
		return err
	}

	refreshed := 0
	if s.config.CacheRefresh && s.warm != nil {
		missions, err := s.repo.ListActive(ctx)
		if err != nil {
			s.logger.Warn("failed to load missions for cache refresh",
				slog.String("error", err.Error()),
			)
		} else {
			// TTL of three intervals: a stalled sweeper eventually forces
			// engine replicas back to Postgres instead of serving stale rules.
			ttl := 3 * s.config.Interval
			if err := s.warm.StoreActiveSet(ctx, missions, ttl); err != nil {
				s.logger.Warn("failed to refresh mission cache",
					slog.String("error", err.Error()),
				)
			} else {
				refreshed = len(missions)
			}
		}
	}

	duration := time.Since(start)
	observability.SweeperCycleDuration.Observe(duration.Seconds())

	if pruned > 0 || refreshed > 0 {
		s.logger.Info("sweep cycle completed",
			slog.Int("events_pruned", pruned),
			slog.Int("missions_cached", refreshed),
			slog.String("duration", duration.String()),
		)
	}
	return nil
}
