// Package api serves the simulator over HTTP: JSON endpoints for trading,
// strategies and backtests, and live portfolio snapshots over SSE or a
// websocket.
package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"virtual-trader/internal/catalog"
	"virtual-trader/internal/logging"
	"virtual-trader/internal/models"
	"virtual-trader/internal/resilience"
	"virtual-trader/internal/session"
	"virtual-trader/internal/stream"
)

// Config holds server settings.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	// StreamInterval is the longest gap between two stream frames.
	StreamInterval time.Duration
	// StreamMaxDuration closes streams that stay open longer.
	StreamMaxDuration time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		StreamInterval:    5 * time.Second,
		StreamMaxDuration: 10 * time.Minute,
	}
}

// Deps are the collaborators of a Server. Snapshots and Health are
// optional.
type Deps struct {
	Sessions    *session.Manager
	Instruments *catalog.Catalog
	Snapshots   *stream.Hub[models.PortfolioSnapshot]
	Auth        *TokenRegistry
	Health      *resilience.HealthMonitor
	Logger      zerolog.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg         Config
	sessions    *session.Manager
	instruments *catalog.Catalog
	snapshots   *stream.Hub[models.PortfolioSnapshot]
	auth        *TokenRegistry
	health      *resilience.HealthMonitor
	logger      zerolog.Logger

	httpServer *http.Server
	handler    http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server with its routes registered.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = def.StreamInterval
	}
	if cfg.StreamMaxDuration <= 0 {
		cfg.StreamMaxDuration = def.StreamMaxDuration
	}
	auth := deps.Auth
	if auth == nil {
		auth = NewTokenRegistry(nil, false)
	}

	s := &Server{
		cfg:         cfg,
		sessions:    deps.Sessions,
		instruments: deps.Instruments,
		snapshots:   deps.Snapshots,
		auth:        auth,
		health:      deps.Health,
		logger:      logging.WithComponent(deps.Logger, "api"),
	}

	mux := http.NewServeMux()
	if s.health != nil {
		mux.HandleFunc("GET /healthz", s.health.LivenessHTTPHandler())
		mux.HandleFunc("GET /readyz", s.health.ReadinessHTTPHandler())
	}

	s.route(mux, "GET /api/portfolio", s.handlePortfolio)
	s.route(mux, "POST /api/portfolio/reset", s.handleReset)
	s.route(mux, "GET /api/portfolio/stream", s.handleStream)
	s.route(mux, "GET /api/portfolio/ws", s.handleWebSocket)
	s.route(mux, "GET /api/positions", s.handlePositions)

	s.route(mux, "GET /api/trades", s.handleListTrades)
	s.route(mux, "POST /api/trades", s.handleOpenTrade)
	s.route(mux, "POST /api/trades/{id}/close", s.handleCloseTrade)
	s.route(mux, "GET /api/performance", s.handlePerformance)

	s.route(mux, "GET /api/instruments", s.handleInstruments)

	s.route(mux, "GET /api/strategies", s.handleListStrategies)
	s.route(mux, "POST /api/strategies", s.handleCreateStrategy)
	s.route(mux, "PUT /api/strategies/{id}", s.handleUpdateStrategy)
	s.route(mux, "PATCH /api/strategies/{id}/toggle", s.handleToggleStrategy)
	s.route(mux, "DELETE /api/strategies/{id}", s.handleDeleteStrategy)

	s.route(mux, "GET /api/backtests", s.handleListBacktests)
	s.route(mux, "POST /api/backtests", s.handleRunBacktest)

	s.handler = s.recoverer(s.logRequests(mux))
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Serve starts the server and shuts it down gracefully when ctx is done.
func (s *Server) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(sctx)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// Middleware
// ============================================================================

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) route(mux *http.ServeMux, pattern string, h authedHandler) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		h(w, r, userID)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.LogAPICall(s.logger, r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("Handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
