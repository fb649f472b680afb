package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/runengine/internal/api"
	"github.com/SirClappington/runengine/internal/app"
	"github.com/SirClappington/runengine/internal/config"
	"github.com/SirClappington/runengine/internal/logging"
)

func main() {
	cfg := config.MustLoad()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The in-memory store lives in this process, so development runs the
	// background loops here too.
	a, err := app.New(ctx, cfg, logger, cfg.Development())
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	srv := api.New(api.Options{
		Engine:        a.Engine,
		Overrides:     a.Overrides,
		Resolver:      a.Resolver,
		Metrics:       a.Metrics,
		Gatherer:      a.Registry,
		Logger:        logger,
		JWTSigningKey: []byte(cfg.JWTSigningKey),
		WorkerToken:   cfg.WorkerToken,
		Health:        a.Health,
	})
	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if cfg.Development() {
		g.Go(func() error { return a.Background(ctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("api stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("api stopped")
}
