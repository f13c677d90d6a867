// Command questline-control runs the HTTP-facing service: the control API
// (event submission, progress, claims, rule validation) backed by the full
// evaluation stack.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfalcao/questline/internal/bus"
	"github.com/mfalcao/questline/internal/cache"
	"github.com/mfalcao/questline/internal/config"
	"github.com/mfalcao/questline/internal/controlapi"
	"github.com/mfalcao/questline/internal/database"
	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/logger"
	"github.com/mfalcao/questline/internal/observability"
	"github.com/mfalcao/questline/internal/publish"
	"github.com/mfalcao/questline/internal/registry"
	"github.com/mfalcao/questline/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "questline-control: %v\n", err)
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

	// Persistence.
	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	missionRepo := store.NewPostgresMissionStore(pool)
	progressStore := store.NewPostgresProgressStore(pool)

	checkers := []observability.Checker{database.NewHealthChecker(pool)}

	// Optional Redis warm layer.
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

	// Mission registry: seed once, then poll.
	reg := registry.New(log, missionRepo, warm, compiled, cfg.Engine.RegistryRefreshInterval)
	if err := reg.Refresh(ctx); err != nil {
		return fmt.Errorf("initial mission load failed: %w", err)
	}
	go reg.Run(ctx)

	// Completion signals go to Kafka when configured, the log otherwise.
	var publisher engine.Publisher
	if cfg.Kafka.IsConfigured() {
		kp, err := publish.NewKafkaPublisher(log, &cfg.Kafka)
		if err != nil {
			return err
		}
		defer kp.Close()
		publisher = kp
	} else {
		publisher = publish.NewLogPublisher(log)
	}

	eng := engine.New(log, reg, progressStore, publisher, engine.Options{
		MaxAppliedEvents:  cfg.Engine.MaxAppliedEvents,
		MaxBufferedEvents: cfg.Engine.MaxBufferedEvents,
	})

	eventBus := bus.New(log, bus.Options{
		Shards:          cfg.Engine.BusShards,
		QueueDepth:      cfg.Engine.BusQueueDepth,
		DeliveryTimeout: cfg.Engine.DeliveryTimeout,
	})
	eventBus.SubscribeAll("engine", eng.HandleEvent)

	// HTTP control API.
	api := controlapi.NewAPIWithConfig(eventBus, eng, reg, cfg.Control.APIKeyHash, cfg.Control.APIKeyHash == "")
	server := &http.Server{
		Addr:         cfg.Control.Address(),
		Handler:      api.Router,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
		IdleTimeout:  cfg.Control.IdleTimeout,
	}

	obs := observability.NewServer(log, &cfg.Observability, checkers...)
	if cfg.Observability.Enabled {
		obs.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control API listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	// Drain in-flight events before closing stores.
	eventBus.Close()
	if cfg.Observability.Enabled {
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Error("observability shutdown failed", slog.String("error", err.Error()))
		}
	}

	log.Info("shutdown complete")
	return nil
}
