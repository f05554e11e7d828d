// Package engine is the central orchestrator of the exchange gate.
//
// It wires together all subsystems:
//
//  1. One ratelimit.Limiter built from the configured rate groups, shared by
//     every exchange client in the process.
//  2. The REST client and the WebSocket ticker feed, both gated by it.
//  3. A watch loop that keeps tickers, balances and open orders fresh.
//  4. A prometheus registry and an event channel for the status server.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"exchange-gate/internal/config"
	"exchange-gate/internal/exchange"
	"exchange-gate/internal/ratelimit"
	"exchange-gate/pkg/types"
)

const (
	eventBufferSize = 100
	shutdownTimeout = 10 * time.Second
)

// Engine owns the limiter, the exchange clients and the lifecycle of all
// background goroutines.
type Engine struct {
	cfg      config.Config
	limiter  *ratelimit.Limiter
	client   *exchange.Client
	feed     *exchange.Feed // nil when no ws_url is configured
	registry *prometheus.Registry
	logger   *slog.Logger

	// events carries limiter observations to the status server. Sends never block.
	events chan ratelimit.Event

	mu         sync.RWMutex
	tickers    map[string]types.Ticker
	balances   []types.Balance
	openOrders []types.Order

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. It fails on invalid rate
// groups or when a client endpoint is not covered by any group.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	groups, err := cfg.RateGroups()
	if err != nil {
		return nil, err
	}
	extra, err := cfg.Targets()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "engine"),
		events:   make(chan ratelimit.Event, eventBufferSize),
		tickers:  make(map[string]types.Ticker),
	}

	e.limiter, err = ratelimit.New(groups, logger,
		ratelimit.WithMetrics(ratelimit.NewMetrics(registry)),
		ratelimit.WithObserver(e.observe),
	)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.Register(extra...); err != nil {
		return nil, fmt.Errorf("register extra targets: %w", err)
	}

	auth := exchange.NewAuth(cfg.API.APIKey, cfg.API.APISecret)
	e.client, err = exchange.NewClient(cfg, auth, e.limiter, logger)
	if err != nil {
		return nil, err
	}

	if cfg.API.WSURL != "" {
		e.feed, err = exchange.NewFeed(cfg.API.WSURL, e.limiter, cfg.API.AcquireTimeout, logger)
		if err != nil {
			return nil, err
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Start launches the WebSocket feed, the ticker dispatcher and the poll loop.
func (e *Engine) Start() error {
	if e.feed != nil {
		channels := make([]string, 0, len(e.cfg.Watch.Pairs))
		for _, pair := range e.cfg.Watch.Pairs {
			channels = append(channels, exchange.TickerChannel(pair))
		}
		// Recorded now, sent once the feed connects.
		if err := e.feed.Subscribe(e.ctx, channels); err != nil {
			return err
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("ticker feed error", "error", err)
			}
		}()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatchTickers()
		}()
	}

	if e.cfg.Watch.PollInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pollLoop()
		}()
	}

	e.logger.Info("engine started",
		"groups", len(e.limiter.Snapshot()),
		"pairs", e.cfg.Watch.Pairs,
		"stream", e.feed != nil,
	)
	return nil
}

// Stop cancels all goroutines, optionally cancels every open order, and
// waits for shutdown.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	// Cancel all contexts (stops all goroutines)
	e.cancel()

	// Safety net: cancel all orders on the exchange. Still gated, so a
	// shutdown right after a cancel-all waits for the next slot.
	if e.cfg.Watch.CancelOnShutdown {
		cancelCtx, cancelCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if _, err := e.client.CancelAll(cancelCtx); err != nil {
			e.logger.Error("failed to cancel all orders on shutdown", "error", err)
		}
		cancelCancel()
	}

	e.wg.Wait()

	if e.feed != nil {
		e.feed.Close()
	}

	e.logger.Info("shutdown complete")
}

// observe is the limiter observer. It must not block the calling request.
func (e *Engine) observe(evt ratelimit.Event) {
	select {
	case e.events <- evt:
	default:
		e.logger.Debug("limiter event dropped, no reader", "type", evt.Type, "group", evt.Group)
	}
}

// pollLoop refreshes watched state every PollInterval. Each call is gated
// by the shared limiter, so polling competes fairly with everything else.
func (e *Engine) pollLoop() {
	ticker := time.NewTicker(e.cfg.Watch.PollInterval)
	defer ticker.Stop()

	e.poll()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.poll()
		}
	}
}

func (e *Engine) poll() {
	for _, pair := range e.cfg.Watch.Pairs {
		tk, err := e.client.GetTicker(e.ctx, pair)
		if err != nil {
			e.logPollError("ticker", err, "pair", pair)
			continue
		}
		if tk.Pair == "" {
			tk.Pair = pair
		}
		e.setTicker(*tk)
	}

	if e.cfg.DryRun && e.cfg.API.APIKey == "" {
		return
	}

	balances, err := e.client.GetBalances(e.ctx)
	if err != nil {
		e.logPollError("balances", err)
	} else {
		e.mu.Lock()
		e.balances = balances
		e.mu.Unlock()
	}

	orders, err := e.client.GetOpenOrders(e.ctx, "")
	if err != nil {
		e.logPollError("open orders", err)
	} else {
		e.mu.Lock()
		e.openOrders = orders
		e.mu.Unlock()
	}
}

func (e *Engine) logPollError(what string, err error, args ...any) {
	switch {
	case e.ctx.Err() != nil:
		return
	case ratelimit.IsTimeout(err), errors.Is(err, exchange.ErrThrottled):
		e.logger.Warn("poll skipped, rate limited", append([]any{"what", what, "error", err}, args...)...)
	default:
		e.logger.Error("poll failed", append([]any{"what", what, "error", err}, args...)...)
	}
}

// dispatchTickers applies streamed ticker updates.
func (e *Engine) dispatchTickers() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.feed.Tickers():
			e.setTicker(evt.Ticker)
		}
	}
}

func (e *Engine) setTicker(tk types.Ticker) {
	e.mu.Lock()
	e.tickers[tk.Pair] = tk
	e.mu.Unlock()
}

// Client returns the gated REST client for direct use.
func (e *Engine) Client() *exchange.Client { return e.client }

// Limiter returns the process-wide limiter.
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }

// Gatherer returns the registry holding the limiter and runtime metrics.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.registry }

// Snapshot reports every rate group's state.
func (e *Engine) Snapshot() []ratelimit.GroupStatus { return e.limiter.Snapshot() }

// LimiterEvents returns throttle and timeout observations.
func (e *Engine) LimiterEvents() <-chan ratelimit.Event { return e.events }

// Ticker returns the latest ticker seen for pair.
func (e *Engine) Ticker(pair string) (types.Ticker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tk, ok := e.tickers[pair]
	return tk, ok
}

// Balances returns the latest polled balances.
func (e *Engine) Balances() []types.Balance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]types.Balance(nil), e.balances...)
}

// OpenOrders returns the latest polled open orders.
func (e *Engine) OpenOrders() []types.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]types.Order(nil), e.openOrders...)
}
