// Package api provides HTTP handlers and routing for the orchestrator service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/auth"
	// Import metrics to register them
	_ "github.com/flexinfer/mentatlab/services/orchestrator-go/internal/metrics"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// ServerOptions wires optional cross-cutting middleware.
type ServerOptions struct {
	// AuthMiddleware guards mutating routes with OIDC bearer-token
	// verification. Nil means auth is a no-op passthrough.
	AuthMiddleware *auth.Middleware

	// RateLimiter throttles requests per client IP. Nil disables rate
	// limiting.
	RateLimiter *auth.PerIPRateLimiter

	// Tracing instruments every request with an OTel span. Nil disables it.
	Tracing *TracingMiddleware
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts *ServerOptions) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	if opts == nil {
		opts = &ServerOptions{}
	}
	s.setupRoutes(opts)
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(opts *ServerOptions) {
	// Liveness, readiness, metrics (public, never auth-guarded).
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/readyz", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Core run lifecycle (§4.4).
	api.HandleFunc("/runs", s.handlers.CreateRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.DeleteRun).Methods("DELETE")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Auxiliary agent registry.
	api.HandleFunc("/agents", s.handlers.RegisterAgent).Methods("POST")
	api.HandleFunc("/agents/{id}", s.handlers.GetAgent).Methods("GET")

	// Auxiliary artifact storage.
	api.HandleFunc("/runs/{run_id}/nodes/{node_id}/artifacts", s.handlers.StoreArtifact).Methods("POST")
	api.HandleFunc("/runs/{run_id}/nodes/{node_id}/artifacts/{name}", s.handlers.GetArtifact).Methods("GET")

	// Auxiliary runstore diagnostics.
	api.HandleFunc("/runstore/info", s.handlers.RunStoreInfo).Methods("GET")

	// Middleware chain, outermost first: recovery wraps everything so a
	// panic anywhere downstream still produces a response; auth/rate-limit
	// sit closest to the handlers. Both are installed on the root router,
	// so they see every route, not only /api/v1.
	s.router.Use(s.handlers.RecoveryMiddleware)
	if opts.Tracing != nil {
		s.router.Use(opts.Tracing.Handler)
	}
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	if opts.RateLimiter != nil {
		s.router.Use(opts.RateLimiter.Handler)
	}
	if opts.AuthMiddleware != nil {
		s.router.Use(opts.AuthMiddleware.Handler)
	}
}
