// Package server implements the HTTP API server for Nagare: event
// ingestion, the administrative surface, and the live stream endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/pipeline"
	"github.com/ashita-ai/nagare/internal/routing"
	"github.com/ashita-ai/nagare/internal/scheduler"
	"github.com/ashita-ai/nagare/internal/stream"
)

// Server is the Nagare HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	Pipeline  *pipeline.Pipeline
	Registry  *routing.Registry
	Scheduler *scheduler.Scheduler
	Streamer  *stream.Streamer
	JWTMgr    *auth.JWTManager
	Logger    *slog.Logger

	// APIKeyHash guards the ingestion and administrative surfaces.
	// Empty disables API-key auth (development).
	APIKeyHash string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Stream settings.
	StreamBufferSize int
	StreamWriteWait  time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := newHandlers(cfg)

	mux := http.NewServeMux()

	// Health (no auth).
	mux.Handle("GET /healthz", http.HandlerFunc(h.HandleHealth))

	// OpenAPI document (no auth).
	mux.Handle("GET /v1/openapi.yaml", http.HandlerFunc(h.HandleOpenAPI))

	// Ingestion and stream token issuance.
	apiKey := requireAPIKey(cfg.APIKeyHash)
	mux.Handle("POST /v1/events", apiKey(http.HandlerFunc(h.HandleIngest)))
	mux.Handle("POST /v1/auth/token", apiKey(http.HandlerFunc(h.HandleIssueToken)))

	// Route administration.
	mux.Handle("POST /v1/routes", apiKey(http.HandlerFunc(h.HandleCreateRoute)))
	mux.Handle("GET /v1/routes", apiKey(http.HandlerFunc(h.HandleListRoutes)))
	mux.Handle("GET /v1/routes/{route_id}", apiKey(http.HandlerFunc(h.HandleGetRoute)))
	mux.Handle("PUT /v1/routes/{route_id}", apiKey(http.HandlerFunc(h.HandleUpdateRoute)))
	mux.Handle("DELETE /v1/routes/{route_id}", apiKey(http.HandlerFunc(h.HandleDeleteRoute)))
	mux.Handle("POST /v1/routes/{route_id}/enable", apiKey(http.HandlerFunc(h.HandleEnableRoute)))
	mux.Handle("POST /v1/routes/{route_id}/disable", apiKey(http.HandlerFunc(h.HandleDisableRoute)))
	mux.Handle("POST /v1/routes/{route_id}/filters/{filter_id}/enable", apiKey(http.HandlerFunc(h.HandleEnableFilter)))
	mux.Handle("POST /v1/routes/{route_id}/filters/{filter_id}/disable", apiKey(http.HandlerFunc(h.HandleDisableFilter)))

	// Operator visibility.
	mux.Handle("GET /v1/connections", apiKey(http.HandlerFunc(h.HandleListConnections)))
	mux.Handle("GET /v1/deadletters", apiKey(http.HandlerFunc(h.HandleListDeadLetters)))
	mux.Handle("POST /v1/deadletters/{task_id}/requeue", apiKey(http.HandlerFunc(h.HandleRequeueDeadLetter)))
	mux.Handle("DELETE /v1/deadletters/{task_id}", apiKey(http.HandlerFunc(h.HandlePurgeDeadLetter)))

	// Live stream endpoints (JWT handshake, see handlers_stream.go).
	mux.Handle("GET /v1/stream", http.HandlerFunc(h.HandleStreamSSE))
	mux.Handle("GET /v1/stream/ws", http.HandlerFunc(h.HandleStreamWS))

	// Outermost first: request ID, then logging, then panic recovery.
	handler := requestIDMiddleware(loggingMiddleware(cfg.Logger)(recoverMiddleware(cfg.Logger)(mux)))

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     handler,
			ReadTimeout: cfg.ReadTimeout,
			// WriteTimeout would sever long-lived SSE responses; per-send
			// timeouts in the streamer bound slow consumers instead.
			WriteTimeout: 0,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
