package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/api"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/bootstrap"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/clock"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/config"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/observability"
)

func main() {
	cfg, err := config.Load(os.Getenv("IMGSCHED_CONFIG"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	shutdownTrace, err := observability.InitTracingFromEnv("imagegen-scheduler")
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, pool, err := bootstrap.NewScheduler(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap scheduler", "error", err)
		os.Exit(1)
	}

	// Tick and flush run on independent cadences; both dispatch into
	// the engine's serialized entry points.
	go func() {
		ticker := time.NewTicker(cfg.TickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				engine.Tick(ctx)
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(cfg.FlushInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = engine.Flush(ctx)
			}
		}
	}()

	server := api.NewServer(engine, pool, clock.System())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("image generation scheduler listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}

	// Final flush so shutdown keeps mutations made since the last
	// interval.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = engine.Flush(flushCtx)
	slog.Info("scheduler shut down")
}
