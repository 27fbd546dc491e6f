// Package api serves the management HTTP API: health, counters, the
// subscription table with manual teardown, registrations and Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/presenced/internal/presence/registrar"
	"github.com/sebas/presenced/internal/presence/subscription"
)

// SubscriptionProvider exposes the subscription table.
// Implemented by subscription.Store.
type SubscriptionProvider interface {
	Len() int
	List() []subscription.Snapshot
	Snapshot(key string) (subscription.Snapshot, bool)
}

// Terminator ends a subscription on operator request.
// Implemented by subscription.Manager.
type Terminator interface {
	Teardown(ctx context.Context, uuid string) bool
}

// RegistrationProvider provides registration data for the API.
// Implemented by registrar.Location.
type RegistrationProvider interface {
	Count() int
	List() []*registrar.Binding
}

// Server provides the HTTP API (headless, API only)
type Server struct {
	addr          string
	httpServer    *http.Server
	router        chi.Router
	subscriptions SubscriptionProvider
	terminator    Terminator
	registrations RegistrationProvider
	startTime     time.Time
}

// NewServer creates a new API server. gatherer backs /metrics; nil uses
// the default Prometheus registry.
func NewServer(addr string, subs SubscriptionProvider, term Terminator, regs RegistrationProvider, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		addr:          addr,
		subscriptions: subs,
		terminator:    term,
		registrations: regs,
		startTime:     time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Health and stats
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		// Subscriptions
		r.Get("/subscriptions", s.handleSubscriptions)
		r.Get("/subscriptions/{uuid}", s.handleSubscription)
		r.Delete("/subscriptions/{uuid}", s.handleTeardown)

		// Registrations (bindings)
		r.Get("/registrations", s.handleRegistrations)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.router = r
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	active, pending := 0, 0
	for _, snap := range s.subscriptions.List() {
		switch snap.State {
		case subscription.StateActive.String():
			active++
		case subscription.StatePending.String():
			pending++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions":         s.subscriptions.Len(),
		"active_subscriptions":  active,
		"pending_subscriptions": pending,
		"registrations":         s.registrations.Count(),
	})
}

// --- Subscriptions ---

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.subscriptions.List())
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	snap, ok := s.subscriptions.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	if !s.terminator.Teardown(r.Context(), id) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	slog.Info("[API] Subscription torn down", "uuid", id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Registrations ---

func (s *Server) handleRegistrations(w http.ResponseWriter, _ *http.Request) {
	bindings := s.registrations.List()
	if bindings == nil {
		bindings = []*registrar.Binding{}
	}
	writeJSON(w, http.StatusOK, bindings)
}

// --- Helpers ---

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("[API] Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
