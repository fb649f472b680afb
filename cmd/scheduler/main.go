package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/app"
	"github.com/SirClappington/runengine/internal/config"
	"github.com/SirClappington/runengine/internal/logging"
)

// scheduler drains the master queue into worker queues, runs the engine's
// durable jobs and reconciles queued runs lost from Redis.
func main() {
	cfg := config.MustLoad()
	if cfg.Development() {
		log.Fatal("APP_ENV=development runs the scheduler inside the api process")
	}
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	logger.Info("scheduler started", zap.Int("shards", cfg.MasterQueueShards))
	if err := a.Background(ctx); err != nil {
		logger.Error("scheduler stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("scheduler stopped")
}
