// Package server exposes the signal intake, the admin controls and the
// event stream over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/server/handler"
	"github.com/alanyoungcy/copybot/internal/server/middleware"
	"github.com/alanyoungcy/copybot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	SignalRateLimit int    // requests per client per minute; 0 disables
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Signals  *handler.SignalHandler
	Admin    *handler.AdminHandler
	Accounts *handler.AccountHandler
	Trades   *handler.TradeHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, handlers, wsHub, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      90 * time.Second, // a panic sweep answers when it is done
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Routes builds the full handler chain.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Signal intake.
	signals := middleware.RateLimit(limiter, "signals", cfg.SignalRateLimit, time.Minute)(
		http.HandlerFunc(handlers.Signals.Submit))
	mux.Handle("POST /api/signals", signals)

	// Admin controls.
	mux.HandleFunc("POST /api/admin/reload", handlers.Admin.Reload)
	mux.HandleFunc("POST /api/admin/trading/pause", handlers.Admin.PauseTrading)
	mux.HandleFunc("POST /api/admin/trading/resume", handlers.Admin.ResumeTrading)
	mux.HandleFunc("POST /api/admin/accounts/{id}/pause", handlers.Admin.PauseAccount)
	mux.HandleFunc("POST /api/admin/accounts/{id}/resume", handlers.Admin.ResumeAccount)
	mux.HandleFunc("POST /api/admin/panic", handlers.Admin.Panic)
	mux.HandleFunc("POST /api/admin/guardrails/reset", handlers.Admin.ResetGuardrails)
	mux.HandleFunc("GET /api/admin/status", handlers.Admin.Status)

	// Accounts and history.
	mux.HandleFunc("GET /api/accounts", handlers.Accounts.ListAccounts)
	mux.HandleFunc("GET /api/accounts/{id}", handlers.Accounts.GetAccount)
	mux.HandleFunc("GET /api/accounts/{id}/positions", handlers.Accounts.ListPositions)
	mux.HandleFunc("GET /api/accounts/{id}/balances", handlers.Accounts.ListBalances)
	mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger, "/api/health")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
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
