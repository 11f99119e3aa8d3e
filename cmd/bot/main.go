package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"saxotrader/internal/config"
	"saxotrader/internal/engine"
)

func main() {
	// Local development convenience; in deployment the env is already set.
	_ = godotenv.Load()

	path := os.Getenv("SAXO_CONFIG")
	if path == "" {
		path = "configs/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if cfg.DryRun {
		logger.Warn("dry-run mode enabled, no real orders will be placed")
	}

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("engine start failed", "error", err)
		os.Exit(1)
	}
	logger.Info("bot started", "dry_run", cfg.DryRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-sigCh
	logger.Info("signal received", "signal", sig.String())

	// SIGQUIT is the emergency flatten: cancel all orders, close all
	// positions, then shut down like any other signal.
	if sig == syscall.SIGQUIT {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		eng.KillSwitch(ctx)
		cancel()
	}

	eng.Stop()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
