package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/takarun/takaledger/internal/crypto"
	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/server/handler"
	"github.com/takarun/takaledger/internal/server/middleware"
	"github.com/takarun/takaledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Admin and Hub
// may be nil.
type Handlers struct {
	Health *handler.HealthHandler
	Ledger *handler.LedgerHandler
	Admin  *handler.AdminHandler
	Hub    *ws.Hub
}

// Server is the HTTP + WebSocket front of the ledger.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, request
// logging, identity verification and per-caller rate limiting.
func NewServer(cfg Config, h Handlers, auth *crypto.IdentityAuth, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	routes(mux, h)

	var root http.Handler = mux
	root = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(root)
	root = middleware.Identity(auth, time.Now)(root)
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

func routes(mux *http.ServeMux, h Handlers) {
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("POST /api/v1/createMarket", h.Ledger.CreateMarket)
	mux.HandleFunc("POST /api/v1/createMarketGroup", h.Ledger.CreateMarketGroup)
	mux.HandleFunc("POST /api/v1/placeBet", h.Ledger.PlaceBet)
	mux.HandleFunc("POST /api/v1/resolveMarket", h.Ledger.ResolveMarket)
	mux.HandleFunc("POST /api/v1/cancelMarket", h.Ledger.CancelMarket)
	mux.HandleFunc("POST /api/v1/claimWinnings", h.Ledger.ClaimWinnings)
	mux.HandleFunc("POST /api/v1/submitActivity", h.Ledger.SubmitActivity)
	mux.HandleFunc("GET /api/v1/account", h.Ledger.GetAccount)
	mux.HandleFunc("GET /api/v1/markets", h.Ledger.GetMarkets)
	mux.HandleFunc("GET /api/v1/markets/{id}/bets", h.Ledger.GetMarketBets)
	mux.HandleFunc("GET /api/v1/bets", h.Ledger.GetUserBets)

	if h.Admin != nil {
		mux.HandleFunc("GET /api/v1/admin/treasury", h.Admin.Treasury)
		mux.HandleFunc("GET /api/v1/admin/markets/{id}/chain-events", h.Admin.ChainEvents)
		mux.HandleFunc("POST /api/v1/admin/reconcile", h.Admin.Reconcile)
		mux.HandleFunc("GET /api/v1/admin/events", h.Admin.Events)
		mux.HandleFunc("GET /api/v1/admin/archives", h.Admin.Archives)
		mux.HandleFunc("GET /api/v1/admin/mirror/abandoned", h.Admin.Abandoned)
		mux.HandleFunc("GET /api/v1/admin/audit", h.Admin.Audit)
	}

	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
