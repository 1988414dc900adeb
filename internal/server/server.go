// Package server exposes an HTTP and WebSocket API over the running
// connectors: book and order state, health, the audit log, and intake of
// orders submitted by the strategy layer.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/server/handler"
	"github.com/alanyoungcy/marketsync/internal/server/middleware"
	"github.com/alanyoungcy/marketsync/internal/server/ws"
)

const healthPath = "/api/health"

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. It needs a
	// limiter; zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Audit and
// Market may be nil when no audit store or cache is wired.
type Handlers struct {
	Health     *handler.HealthHandler
	Connectors *handler.ConnectorHandler
	Audit      *handler.AuditHandler
	Market     *handler.MarketHandler
}

// Server is the status API server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. hub and limiter
// may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+healthPath, handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/connectors", handlers.Connectors.ListConnectors)
	mux.HandleFunc("GET /api/connectors/{name}", handlers.Connectors.GetConnector)
	mux.HandleFunc("GET /api/connectors/{name}/books/{pair}", handlers.Connectors.GetBook)
	mux.HandleFunc("GET /api/connectors/{name}/orders", handlers.Connectors.ListOrders)
	mux.HandleFunc("POST /api/connectors/{name}/orders", handlers.Connectors.TrackOrder)
	mux.HandleFunc("PUT /api/connectors/{name}/orders/{id}/exchange-id", handlers.Connectors.AckOrder)

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}
	if handlers.Market != nil {
		mux.HandleFunc("GET /api/mirror/{asset}", handlers.Market.GetMirror)
		mux.HandleFunc("GET /api/mirror/{asset}/bbo", handlers.Market.GetBBO)
		mux.HandleFunc("GET /api/prices", handlers.Market.ListPrices)
		mux.HandleFunc("GET /api/prices/{asset}", handlers.Market.GetPrice)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, healthPath)(h)
	h = middleware.Logging(logger, healthPath)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		hub:    hub,
		logger: logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.start() }()
	if s.hub != nil {
		go func() { _ = s.hub.Run(ctx) }()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
