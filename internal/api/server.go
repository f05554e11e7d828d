package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exchange-gate/internal/config"
	"exchange-gate/internal/ratelimit"
)

const snapshotInterval = time.Second

// Server runs the HTTP/WebSocket status API
type Server struct {
	cfg      config.DashboardConfig
	provider SnapshotProvider
	fullCfg  config.Config
	hub      *Hub
	hubCtx   context.Context
	stopHub  context.CancelFunc
	handler  http.Handler
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new status server. gatherer backs /metrics; nil uses
// the default prometheus registry.
func NewServer(
	provider SnapshotProvider,
	fullCfg config.Config,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	cfg := fullCfg.Dashboard
	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := NewHub(logger)
	handlers := NewHandlers(hubCtx, provider, fullCfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/limits", handlers.HandleLimits)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	handler := throttle(mux, cfg.RequestsPerSec)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		fullCfg:  fullCfg,
		hub:      hub,
		hubCtx:   hubCtx,
		stopHub:  stopHub,
		handler:  handler,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Observe forwards a limiter event to stream subscribers. It never blocks and
// is meant for ratelimit.WithObserver.
func (s *Server) Observe(evt ratelimit.Event) {
	s.hub.BroadcastEvent(NewLimiterEvent(evt))
}

// Handler returns the root handler, including inbound throttling.
func (s *Server) Handler() http.Handler { return s.handler }

// Start starts the hub and serves until Stop is called.
func (s *Server) Start() error {
	s.run()

	s.logger.Info("status server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// EventSource is implemented by providers that publish limiter events.
type EventSource interface {
	LimiterEvents() <-chan ratelimit.Event
}

// run starts the hub, the periodic snapshot broadcaster and, when the
// provider publishes them, the limiter event consumer.
func (s *Server) run() {
	go s.hub.Run(s.hubCtx)
	go s.broadcastSnapshots()
	if src, ok := s.provider.(EventSource); ok {
		go s.consumeEvents(src.LimiterEvents())
	}
}

// consumeEvents reads limiter events and broadcasts them
func (s *Server) consumeEvents(events <-chan ratelimit.Event) {
	for {
		select {
		case <-s.hubCtx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.Observe(evt)
		}
	}
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")
	s.stopHub()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// broadcastSnapshots pushes the group state to subscribers every second
// while anyone is listening.
func (s *Server) broadcastSnapshots() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.hubCtx.Done():
			return
		case <-ticker.C:
			if s.hub.Count() > 0 {
				s.hub.BroadcastSnapshot(BuildSnapshot(s.provider, s.fullCfg))
			}
		}
	}
}
