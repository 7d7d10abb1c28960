// Package main provides the worker service entry point: it runs the projection
// dispatcher and serves health, metrics and operator endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lllypuk/eventflow/internal/app"
	"github.com/lllypuk/eventflow/internal/config"
	"github.com/lllypuk/eventflow/internal/infrastructure/tracing"
)

const version = "0.1.0"

//nolint:funlen // Main function handles startup orchestration and is readable as-is
func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		//nolint:sloglint // No context available before logger setup
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg)

	logger.Info("starting eventflow worker",
		slog.String("version", version),
		slog.String("environment", cfg.App.Environment),
		slog.String("store", cfg.Store.Backend),
	)

	// Create a context that will be cancelled on shutdown signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	go handleShutdown(cancel, logger)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.App.Name,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to setup tracing", slog.String("error", err.Error()))
		os.Exit(1) //nolint:gocritic // nothing to clean up yet
	}
	defer func() {
		if flushErr := shutdownTracing(context.Background()); flushErr != nil {
			logger.Error("failed to flush traces", slog.String("error", flushErr.Error()))
		}
	}()

	container, err := app.NewContainer(cfg, app.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build container", slog.String("error", err.Error()))
		cancel()
		os.Exit(1)
	}
	defer func() {
		if closeErr := container.Close(); closeErr != nil {
			logger.Error("failed to close container", slog.String("error", closeErr.Error()))
		}
	}()

	server := container.NewOpsServer()

	logger.Info("starting workers",
		slog.Bool("dispatcher_enabled", cfg.Dispatcher.Enabled),
		slog.Duration("poll_interval", cfg.Dispatcher.PollInterval),
		slog.String("failure_policy", cfg.Dispatcher.FailurePolicy),
		slog.String("ops_address", server.Address()),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Ops server shuts down when the group context ends
	g.Go(func() error {
		return server.Run(gctx)
	})

	// Projection dispatcher
	g.Go(func() error {
		if runErr := container.Dispatcher.Run(gctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	})

	if waitErr := g.Wait(); waitErr != nil {
		logger.Error("worker stopped with error", slog.String("error", waitErr.Error()))
	}

	logger.Info("worker service shutdown complete")
}

// setupLogger creates and configures the structured logger based on configuration.
func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	level := parseLogLevel(cfg.Log.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.IsDevelopment(),
	}

	switch cfg.Log.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(slog.String("service", cfg.App.Name))
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// handleShutdown listens for OS signals and cancels the context.
func handleShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-quit
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	cancel()
}
