// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the gateway HTTP API.
//
// Endpoints:
//   - GET    /health                           - Gateway health
//   - GET    /api/servers                      - List registered backends
//   - POST   /api/servers                      - Register a backend
//   - GET    /api/servers/{id}                 - Backend details
//   - PUT    /api/servers/{id}                 - Update a backend
//   - DELETE /api/servers/{id}                 - Remove a backend
//   - GET    /api/servers/{id}/health          - Probe backend version
//   - GET    /api/servers/{id}/models          - Installed models
//   - GET    /api/servers/{id}/running         - Loaded models
//   - POST   /api/servers/{id}/models/show     - Model details
//   - POST   /api/servers/{id}/models/pull     - Pull a model (SSE progress)
//   - POST   /api/servers/{id}/models/copy     - Copy a model
//   - DELETE /api/servers/{id}/models          - Delete a model
//   - GET    /api/chats                        - List conversations
//   - POST   /api/chats                        - Create a conversation
//   - GET    /api/chats/{id}                   - Conversation with messages
//   - PATCH  /api/chats/{id}                   - Update title/model/parameters
//   - DELETE /api/chats/{id}                   - Delete a conversation
//   - POST   /api/chats/{id}/messages          - Run a turn: send, regenerate
//     or edit, selected by body flags (SSE)
//   - POST   /api/compare                      - Two-model comparison (SSE)
//   - GET    /api/logs                         - Recent request logs
//
// Inference endpoints are rate limited per client IP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ollamagate/ollamagate/internal/config"
	"github.com/ollamagate/ollamagate/internal/ollama"
	"github.com/ollamagate/ollamagate/internal/ratelimit"
	"github.com/ollamagate/ollamagate/internal/relay"
	"github.com/ollamagate/ollamagate/internal/store"
)

// MaxRequestBodySize caps JSON request bodies at 1MB.
const MaxRequestBodySize = 1 * 1024 * 1024

// Version is the gateway version reported by /health.
const Version = "0.1.0"

// ============================================================================
// SERVER
// ============================================================================

// Server is the gateway HTTP server.
type Server struct {
	cfg    config.Config
	store  *store.Store
	client *ollama.Client
	relay  *relay.Relay
	limits *ratelimit.Store
	logger *zap.Logger

	router *http.ServeMux
	server *http.Server
}

// NewServer wires a gateway server from its parts.
func NewServer(cfg config.Config, st *store.Store, client *ollama.Client, limits *ratelimit.Store, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		client: client,
		relay:  relay.New(st, client, logger),
		limits: limits,
		logger: logger,
		router: http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the server's handler with the middleware chain applied.
// Exposed for tests.
func (s *Server) Handler() http.Handler {
	chain := Chain(
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
		AuthMiddleware(AuthConfig{
			Enabled:     s.cfg.Auth.Enabled,
			BearerToken: s.cfg.Auth.BearerToken,
		}, s.logger),
	)
	return chain(s.router)
}

// Start runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: inference streams run until the model stops.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", s.cfg.Server.ListenAddr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	limited := RateLimitMiddleware(s.limits, s.logger)

	s.router.HandleFunc("GET /health", s.handleHealth)

	s.router.HandleFunc("GET /api/servers", s.handleListServers)
	s.router.HandleFunc("POST /api/servers", s.handleCreateServer)
	s.router.HandleFunc("GET /api/servers/{id}", s.handleGetServer)
	s.router.HandleFunc("PUT /api/servers/{id}", s.handleUpdateServer)
	s.router.HandleFunc("DELETE /api/servers/{id}", s.handleDeleteServer)
	s.router.HandleFunc("GET /api/servers/{id}/health", s.handleServerHealth)
	s.router.HandleFunc("GET /api/servers/{id}/models", s.handleServerModels)
	s.router.HandleFunc("GET /api/servers/{id}/running", s.handleServerRunning)
	s.router.HandleFunc("POST /api/servers/{id}/models/show", s.handleShowModel)
	s.router.HandleFunc("POST /api/servers/{id}/models/pull", s.handlePullModel)
	s.router.HandleFunc("POST /api/servers/{id}/models/copy", s.handleCopyModel)
	s.router.HandleFunc("DELETE /api/servers/{id}/models", s.handleDeleteModel)

	s.router.HandleFunc("GET /api/chats", s.handleListChats)
	s.router.HandleFunc("POST /api/chats", s.handleCreateChat)
	s.router.HandleFunc("GET /api/chats/{id}", s.handleGetChat)
	s.router.HandleFunc("PATCH /api/chats/{id}", s.handleUpdateChat)
	s.router.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)

	s.router.Handle("POST /api/chats/{id}/messages", limited(http.HandlerFunc(s.handleSendMessage)))
	s.router.Handle("POST /api/compare", limited(http.HandlerFunc(s.handleCompare)))

	s.router.HandleFunc("GET /api/logs", s.handleListLogs)
}

// SetRateLimits applies new admission limits, used by config hot reload.
func (s *Server) SetRateLimits(maxRequests int, window time.Duration) {
	s.limits.SetLimits(maxRequests, window)
	s.logger.Info("rate limits updated",
		zap.Int("max_requests", maxRequests), zap.Duration("window", window))
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON parses a bounded request body into v.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		s.logger.Debug("invalid request body", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return false
	}
	return true
}

// writeStoreError maps store errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	s.logger.Error("storage error", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "Internal Server Error")
}

// writeBackendError maps backend client errors onto gateway statuses.
func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	status := relay.StatusForError(err)
	var clientErr *ollama.ClientError
	if errors.As(err, &clientErr) {
		s.writeError(w, status, clientErr.Message)
		return
	}
	s.logger.Error("backend error", zap.Error(err))
	s.writeError(w, status, "Internal Server Error")
}
