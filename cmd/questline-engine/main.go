// Command questline-engine runs the headless evaluation worker: it consumes
// activity events from Kafka, evaluates them against the live mission set,
// and publishes completion signals.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfalcao/questline/internal/bus"
	"github.com/mfalcao/questline/internal/cache"
	"github.com/mfalcao/questline/internal/config"
	"github.com/mfalcao/questline/internal/database"
	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/ingest"
	"github.com/mfalcao/questline/internal/logger"
	"github.com/mfalcao/questline/internal/observability"
	"github.com/mfalcao/questline/internal/publish"
	"github.com/mfalcao/questline/internal/registry"
	"github.com/mfalcao/questline/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "questline-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Kafka.ConsumerEnabled {
		return fmt.Errorf("the engine worker requires QUESTLINE_KAFKA_CONSUMER_ENABLED=true")
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

	reg := registry.New(log, missionRepo, warm, compiled, cfg.Engine.RegistryRefreshInterval)
	if err := reg.Refresh(ctx); err != nil {
		return fmt.Errorf("initial mission load failed: %w", err)
	}
	go reg.Run(ctx)

	kp, err := publish.NewKafkaPublisher(log, &cfg.Kafka)
	if err != nil {
		return err
	}
	defer kp.Close()

	eng := engine.New(log, reg, progressStore, kp, engine.Options{
		MaxAppliedEvents:  cfg.Engine.MaxAppliedEvents,
		MaxBufferedEvents: cfg.Engine.MaxBufferedEvents,
	})

	eventBus := bus.New(log, bus.Options{
		Shards:          cfg.Engine.BusShards,
		QueueDepth:      cfg.Engine.BusQueueDepth,
		DeliveryTimeout: cfg.Engine.DeliveryTimeout,
	})
	eventBus.SubscribeAll("engine", eng.HandleEvent)

	consumer, err := ingest.NewConsumer(log, &cfg.Kafka, eventBus)
	if err != nil {
		return err
	}
	defer consumer.Close()

	obs := observability.NewServer(log, &cfg.Observability, checkers...)
	if cfg.Observability.Enabled {
		obs.Start()
	}

	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- consumer.Run(ctx)
	}()

	select {
	case err := <-consumerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-ctx.Done():
		<-consumerErr
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

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
