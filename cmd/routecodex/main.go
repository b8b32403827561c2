// Package main is the entry point for the RouteCodex gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/routecodex/routecodex/internal/api"
	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/observability"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger().Error("failed to load configuration", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg.Logging.Level, os.Stdout, observability.NewRedactor())
	logger.Info("starting routecodex gateway", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth.InitTokenLocks()
	defer auth.ShutdownTokenLocks()
	auth.InitAntigravityUA(config.HomeDir())
	defer auth.ShutdownAntigravityUA()

	var tracer *observability.TracerProvider
	if cfg.Tracing.Enabled {
		tracer, err = observability.InitTracing(ctx, observability.TracingConfig{
			Enabled:     true,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		}
	}
	defer func() {
		if tracer != nil {
			if err := tracer.Shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}
	}()

	gateway, err := api.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		return 2
	}
	defer gateway.Close()

	manager, err := config.NewManager(*configPath, logger.Logger)
	if err == nil {
		manager.OnChange(func(next *config.Config) {
			logger.Info("configuration changed on disk; restart to apply pipeline changes")
		})
		if err := manager.Watch(ctx); err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
		}
		defer manager.Close()
	}

	server := api.NewServer(gateway, tracer)
	server.ConfigPath = *configPath

	httpServer := &http.Server{
		Addr:              server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forced shutdown", "error", err)
		}
		if sig == syscall.SIGINT {
			return 130
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 2
		}
		return 0
	}
}

// bootLogger covers failures before the configured logger exists.
func bootLogger() *observability.Logger {
	return observability.NewLogger("info", os.Stderr, observability.NewRedactor())
}
