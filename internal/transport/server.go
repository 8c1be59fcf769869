// Package transport implements the HTTP and WebSocket transport layer (C6):
// request authentication, the chat streaming endpoints, and REST CRUD over
// sessions and stored provider credentials.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/chatgate/internal/auth"
	"github.com/eugener/chatgate/internal/circuitbreaker"
	"github.com/eugener/chatgate/internal/credential"
	"github.com/eugener/chatgate/internal/orchestrator"
	"github.com/eugener/chatgate/internal/ratelimit"
	"github.com/eugener/chatgate/internal/session"
	"github.com/eugener/chatgate/internal/storage"
	"github.com/eugener/chatgate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds every collaborator the transport layer needs.
type Deps struct {
	Users        storage.UserStore
	Sessions     *session.Manager
	Credentials  *credential.Store
	Orchestrator *orchestrator.Orchestrator
	RateLimiter  *ratelimit.Registry
	Breakers     *circuitbreaker.Registry
	Tokens       *auth.TokenIssuer

	MaxRequestBytes       int64
	ConnectionIdleTimeout time.Duration

	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	Tracer         trace.Tracer
	ReadyCheck     ReadyChecker
}

type server struct {
	deps Deps
	hub  *connHub
}

// New builds the HTTP handler with every route and middleware wired. The
// returned closeConns func sends a close frame to every live WebSocket
// connection and should be called during graceful shutdown, before tearing
// down the rest of the process, since http.Server.Shutdown does not reach
// hijacked WebSocket connections.
func New(deps Deps) (handler http.Handler, closeConns func()) {
	if deps.MaxRequestBytes <= 0 {
		deps.MaxRequestBytes = 1 << 20
	}
	idleTimeout := deps.ConnectionIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}

	s := &server{deps: deps, hub: newConnHub(idleTimeout)}
	go s.hub.sweepLoop(context.Background())

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/health", s.handleHealth)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/api/v1/chat", s.handleChat)
		r.Get("/ws/chat/{session_id}", s.handleWebSocket)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{session_id}/messages", s.handleListMessages)
		r.Patch("/sessions/{session_id}/messages/{message_id}", s.handleEditMessage)
		r.Delete("/sessions/{session_id}/messages/{message_id}", s.handleDeleteMessage)
		r.Patch("/sessions/{session_id}", s.handleRenameSession)
		r.Delete("/sessions/{session_id}", s.handleDeleteSession)
		r.Post("/sessions/{session_id}/branch", s.handleBranchSession)

		r.Get("/api-keys/{provider}", s.handleGetAPIKey)
		r.Post("/api-keys/{provider}", s.handleSetAPIKey)
		r.Delete("/api-keys/{provider}", s.handleDeleteAPIKey)

		r.Get("/rate-limits/quota", s.handleQuota)
		r.Get("/providers/status", s.handleProviderStatus)
	})

	return r, s.hub.closeAll
}
