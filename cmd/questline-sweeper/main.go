// Command questline-sweeper runs the background maintenance worker: it
// expires out-of-window events from progress records and keeps the Redis
// mission cache warm.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfalcao/questline/internal/cache"
	"github.com/mfalcao/questline/internal/config"
	"github.com/mfalcao/questline/internal/database"
	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/logger"
	"github.com/mfalcao/questline/internal/observability"
	"github.com/mfalcao/questline/internal/registry"
	"github.com/mfalcao/questline/internal/store"
	"github.com/mfalcao/questline/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "questline-sweeper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	missionRepo := store.NewPostgresMissionStore(pool)
	progressStore := store.NewPostgresProgressStore(pool)

	checkers := []observability.Checker{database.NewHealthChecker(pool)}

	var warm cache.MissionCache
	if cfg.Redis.IsConfigured() {
		redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		warm = cache.NewRedisMissionCache(redisClient)
		checkers = append(checkers, cache.NewHealthChecker(redisClient))
	}

	compiled, err := cache.NewCompiledCache(2048, time.Hour)
	if err != nil {
		return err
	}
	defer compiled.Close()

	// The sweeper reads missions straight from Postgres (it is the writer of
	// the warm cache, so it must not read through it).
	reg := registry.New(log, missionRepo, nil, compiled, cfg.Engine.RegistryRefreshInterval)
	if err := reg.Refresh(ctx); err != nil {
		return fmt.Errorf("initial mission load failed: %w", err)
	}
	go reg.Run(ctx)

	// No publisher: sweeps never produce completions.
	eng := engine.New(log, reg, progressStore, nil, engine.Options{
		MaxAppliedEvents:  cfg.Engine.MaxAppliedEvents,
		MaxBufferedEvents: cfg.Engine.MaxBufferedEvents,
	})

	svc := sweeper.New(log, cfg.Sweeper, eng, missionRepo, warm)

	obs := observability.NewServer(log, &cfg.Observability, checkers...)
	if cfg.Observability.Enabled {
		obs.Start()
	}

	err = svc.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if cfg.Observability.Enabled {
		if obsErr := obs.Shutdown(shutdownCtx); obsErr != nil {
			log.Error("observability shutdown failed", slog.String("error", obsErr.Error()))
		}
	}

	log.Info("shutdown complete")
	return err
}
