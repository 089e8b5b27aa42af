// Options Streaming Gateway — real-time options market data with greeks
// enrichment, multi-account upstream feed pooling, and idempotent order
// execution.
//
// Architecture:
//
//	main.go                — entry point: loads config, runs engine, waits for SIGINT/SIGTERM
//	engine/engine.go       — coordinator: boots components in dependency order, reverse shutdown
//	upstream/              — vendor broker adapters: REST client + WebSocket tick feed
//	pool/pool.go           — per-account feed connection pool, capacity-packed subscriptions
//	registry/registry.go   — instrument metadata cache, atomic snapshot swap, daily refresh
//	pipeline/pipeline.go   — tick validation + IV/greeks enrichment, publishes to the bus
//	bars/bars.go           — underlying OHLCV bar aggregation at a fixed interval
//	reconciler/            — desired-state subscription placement across accounts
//	hub/                   — client WebSocket fan-out with JWT auth and backpressure kicks
//	orders/                — idempotent order task queue with retry, breaker and dead-letter
//	mockgen/               — synthetic ticks while the market is closed, LRU-bounded
//	store/                 — PostgreSQL persistence, AES-GCM encrypted credentials
//	api/                   — REST surface: subscriptions, orders, history, health, admin
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"options-gateway/internal/config"
	"options-gateway/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OPTGW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}

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
