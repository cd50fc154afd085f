package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ferro-labs/matchday"
	"github.com/ferro-labs/matchday/internal/logging"
	"github.com/ferro-labs/matchday/internal/version"
)

func main() {
	// MATCHDAY_CONFIG points at an optional YAML or JSON file; the
	// environment overlays it either way.
	cfg, err := matchday.Load(os.Getenv("MATCHDAY_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := logging.Component("server")

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, *cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	go a.runJanitor(ctx)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("matchday listening",
		"version", version.Short(),
		"addr", addr,
		"cache", a.store.Name(),
		"max_calls", cfg.RateLimit.MaxCalls,
		"window", cfg.RateLimit.Window.String(),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		logger.Error("server error", "error", err)
		return
	}
	logger.Info("server stopped")
}
