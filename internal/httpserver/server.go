package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"digistore/internal/auth"
	"digistore/internal/catalog"
	"digistore/internal/feed"
	"digistore/internal/metrics"
	"digistore/internal/orders"
	"digistore/internal/recharge"
	"digistore/internal/repo"
	"digistore/internal/review"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies exposes the lifecycle services to handlers.
type Dependencies struct {
	Repository repo.Repository
	Auth       *auth.Verifier
	Catalog    *catalog.Catalog
	Orders     *orders.Manager
	Recharge   *recharge.Recorder
	Review     *review.Workflow
	Feed       feed.Subscriber
	// Locker guards against a user placing two orders at once. Nil uses an
	// in-process locker.
	Locker      Locker
	InflightTTL time.Duration
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string

	closing     chan struct{}
	closingOnce sync.Once
}

// New creates a new HTTP server listening on addr with health, metrics and API endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, basePath string) *Server {
	if deps.Locker == nil {
		deps.Locker = newMemoryLocker()
	}
	if deps.InflightTTL <= 0 {
		deps.InflightTTL = 15 * time.Second
	}
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
		closing:  make(chan struct{}),
	}

	handler := mountWithBasePath(server.basePath, server.routes())

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.httpServer.RegisterOnShutdown(server.closeStreams)

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Handler returns the routed handler, base path included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.handle(mux, "GET /v1/me", s.handleMe)
	s.handle(mux, "GET /v1/services", s.handleServices)
	s.handle(mux, "POST /v1/orders", s.handlePlaceOrder)
	s.handle(mux, "GET /v1/orders", s.handleListOrders)
	s.handle(mux, "GET /v1/orders/{id}", s.handleGetOrder)
	s.handle(mux, "GET /v1/transactions", s.handleListTransactions)
	s.handle(mux, "GET /v1/notifications", s.handleNotifications)
	s.handle(mux, "GET /v1/recharge/methods", s.handleMethods)
	s.handle(mux, "POST /v1/recharges", s.handleSubmitRecharge)
	s.handle(mux, "POST /v1/recharges/claims", s.handleStartClaim)
	s.handle(mux, "POST /v1/recharges/claims/{id}/submit", s.handleSubmitClaim)
	s.handle(mux, "GET /v1/events", s.handleUserEvents)

	s.handle(mux, "GET /v1/admin/transactions", s.handleAdminTransactions)
	s.handle(mux, "POST /v1/admin/transactions/{id}/approve", s.handleApproveTransaction)
	s.handle(mux, "POST /v1/admin/transactions/{id}/reject", s.handleRejectTransaction)
	s.handle(mux, "POST /v1/admin/orders/{id}/approve", s.handleApproveOrder)
	s.handle(mux, "POST /v1/admin/orders/{id}/reject", s.handleRejectOrder)
	s.handle(mux, "PUT /v1/admin/services/{id}", s.handleUpsertService)
	s.handle(mux, "POST /v1/admin/users/{id}/block", s.handleBlockUser)
	s.handle(mux, "GET /v1/admin/events", s.handleAdminEvents)
	return mux
}

// handle mounts an authenticated, instrumented route.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, s.authenticate(h)))
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server. Open event streams are closed first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) closeStreams() {
	s.closingOnce.Do(func() { close(s.closing) })
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repository == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Repository.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
