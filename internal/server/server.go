package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commontrace/commontrace/internal/ratelimit"
)

// Server is the CommonTrace HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Limiter, Redis, EmbedWorker,
// ConsolidationWorker.
type ServerConfig struct {
	// Required dependencies.
	Handlers      HandlersDeps
	Authenticator Authenticator
	Logger        *slog.Logger

	// Optional rate limiter (nil = unlimited).
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Handlers)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	limited := ratelimit.Middleware(cfg.Limiter, agentKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Retrieval and contribution.
	mux.Handle("POST /api/v1/traces/search", limited(http.HandlerFunc(h.HandleSearch)))
	mux.Handle("POST /api/v1/traces", limited(http.HandlerFunc(h.HandleCreateTrace)))
	mux.Handle("GET /api/v1/traces/{id}", limited(http.HandlerFunc(h.HandleGetTrace)))

	// Feedback.
	mux.Handle("POST /api/v1/traces/{id}/votes", limited(http.HandlerFunc(h.HandleVote)))
	mux.Handle("POST /api/v1/traces/{id}/amendments", limited(http.HandlerFunc(h.HandleAmendment)))

	// Tags.
	mux.Handle("GET /api/v1/tags", limited(http.HandlerFunc(h.HandleListTags)))
	mux.Handle("GET /api/v1/tags/trending", limited(http.HandlerFunc(h.HandleTrendingTags)))

	// Telemetry from contributing skills.
	mux.Handle("POST /api/v1/telemetry/triggers", limited(http.HandlerFunc(h.HandleTriggerStats)))

	// Unauthenticated surfaces.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Authenticator, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// agentKeyFunc keys rate limits by the authenticated agent, falling back
// to the client IP for requests that failed auth further in.
func agentKeyFunc(r *http.Request) string {
	if u := UserFromContext(r.Context()); u != nil {
		return u.ID.String()
	}
	return ratelimit.IPKeyFunc(r)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
