package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maltedev/stories-scraper/internal/api"
	"github.com/maltedev/stories-scraper/internal/app"
	"github.com/maltedev/stories-scraper/internal/config"
	"github.com/maltedev/stories-scraper/internal/scheduler"
	"github.com/maltedev/stories-scraper/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "Site YAML file (default $SITE_CONFIG or config/stories.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{NoDatabase: cfg.Scraper.DryRun})
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Outbox relay
	if relay := a.Relay(); relay != nil {
		go func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped with error", "error", err)
			}
		}()
	} else {
		logger.Info("outbox relay disabled", "database", a.DB != nil, "redis", a.Redis != nil)
	}

	runManager := a.RunManager()

	var sched *scheduler.Scheduler
	if cfg.Server.Schedule != "" {
		sched = scheduler.New(runManager, scheduler.Config{
			Spec:       cfg.Server.Schedule,
			RunOnStart: cfg.Server.RunOnStart,
		}, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	var handlers *api.Handlers
	if a.Products != nil {
		handlers = api.NewHandlers(runManager, a.Products, a.Products.Outbox(), logger)
	} else {
		handlers = api.NewHandlers(runManager, nil, nil, logger)
	}

	server := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewRouter(handlers, api.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Timeout:        cfg.Server.WriteTimeout,
			Metrics:        a.Metrics.Handler(),
			Logger:         logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := runManager.Shutdown(shutdownCtx); err != nil {
			logger.Error("run did not stop in time", "error", err)
		}
		if sched != nil {
			sched.Stop(shutdownCtx)
		}
		cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "addr", server.Addr, "schedule", cfg.Server.Schedule)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
