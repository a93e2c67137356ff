package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gradeflow/gradeflow/internal/api"
	"github.com/gradeflow/gradeflow/internal/archive"
	"github.com/gradeflow/gradeflow/internal/broker"
	"github.com/gradeflow/gradeflow/internal/config"
	"github.com/gradeflow/gradeflow/internal/consumer"
	"github.com/gradeflow/gradeflow/internal/idempotency"
	"github.com/gradeflow/gradeflow/internal/jobs"
	"github.com/gradeflow/gradeflow/internal/ledger"
	"github.com/gradeflow/gradeflow/internal/logger"
	"github.com/gradeflow/gradeflow/internal/monitor"
	"github.com/gradeflow/gradeflow/internal/orchestrator"
	"github.com/gradeflow/gradeflow/internal/websocket"
)

const migrationsDir = "migrations"

func main() {
	logger.Init("gradeflow")

	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := archive.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := archive.RunMigrations(db, migrationsDir); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	api.SetDBConnection(db)
	store := archive.NewSQLStore(db)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	guard := idempotency.NewGuard(idempotency.NewRedisStore(rc), cfg.IdempotencyTTL)

	natsClient, err := broker.NewNATSClient(cfg.NATSURL)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer natsClient.Close()

	tracker := jobs.NewTracker(cfg.TrackerRetention)
	tokens := ledger.NewCoordinator(ledger.NewHTTPClient(cfg.LedgerURL))

	hub := websocket.NewHub()
	go hub.Run()

	core := orchestrator.NewCore(tracker, guard, tokens, store, natsClient, orchestrator.Options{
		JobCost:         cfg.JobCost,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Notifier:        hub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := consumer.New(core, natsClient)
	if err := events.Start(ctx); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to start event consumer")
	}

	stuck := monitor.New(core, store, cfg.StuckThreshold, cfg.StuckSweep)
	go stuck.Run(ctx)
	go guard.RunSweeper(ctx, cfg.IdempotencySweep)
	go tracker.RunSweeper(ctx, cfg.TrackerSweep)

	server := api.NewServer(core, hub, cfg.HTTPPort)
	go func() {
		if err := server.Start(); err != nil {
			logger.Logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Logger.Info().Msg("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	logger.Logger.Info().Msg("Server stopped")
}
