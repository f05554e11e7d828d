// Exchange Gate provides client-side admission control for exchange REST and
// WebSocket calls, keeping a process inside the provider's published quotas.
//
// Architecture:
//
//	main.go              entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     orchestrator: builds the limiter and clients, runs the watch loop
//	ratelimit/limiter.go Acquire/OnThrottled gate over per-group GCRA windows
//	ratelimit/registry   routes each request target to its rate group
//	exchange/client.go   REST client; every attempt acquires, every 429 feeds back
//	exchange/ws.go       ticker feed; connect and (un)subscribe are gated
//	api/server.go        status server: /api/limits, /metrics, /ws event stream
//
// Every request is admitted by exactly one rate group. A group with two
// windows (5/s and 100/min for WebSocket actions) admits only when both do,
// and a server-side 429 pushes the whole group past the Retry-After hint.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"exchange-gate/internal/api"
	"exchange-gate/internal/config"
	"exchange-gate/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GATE_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start status server if enabled
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(eng, *cfg, eng.Gatherer(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d/api/limits", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("exchange gate started",
		"rest", cfg.API.RESTBaseURL,
		"ws", cfg.API.WSURL,
		"acquire_timeout", cfg.API.AcquireTimeout,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop status server first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	eng.Stop()
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
