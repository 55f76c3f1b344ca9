// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ollamagate/ollamagate/internal/ollama"
	"github.com/ollamagate/ollamagate/internal/relay"
	"github.com/ollamagate/ollamagate/internal/store"
)

// ============================================================================
// BACKEND REGISTRY
// ============================================================================

type serverRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (req *serverRequest) validate() string {
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "url must be a valid http or https URL"
	}
	return ""
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	if servers == nil {
		servers = []store.Server{}
	}
	s.writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	srv, err := s.store.CreateServer(r.Context(), req.Name, req.URL)
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusCreated, srv)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.store.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "Server not found")
		return
	}
	s.writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	id := r.PathValue("id")
	if err := s.store.UpdateServer(r.Context(), id, req.Name, req.URL); err != nil {
		s.writeStoreError(w, err, "Server not found")
		return
	}
	srv, err := s.store.GetServer(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "Server not found")
		return
	}
	s.writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteServer(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err, "Server not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// BACKEND PROBES
// ============================================================================

// resolveServer loads the backend a path-parameter ID refers to, writing the
// error response itself on failure.
func (s *Server) resolveServer(w http.ResponseWriter, r *http.Request) *store.Server {
	srv, err := s.store.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "Server not found")
		return nil
	}
	return srv
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	srv := s.resolveServer(w, r)
	if srv == nil {
		return
	}

	version, err := s.client.Version(r.Context(), srv.BaseURL)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"online": false,
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"online":  true,
		"version": version,
	})
}

func (s *Server) handleServerModels(w http.ResponseWriter, r *http.Request) {
	srv := s.resolveServer(w, r)
	if srv == nil {
		return
	}

	models, err := s.client.ListModels(r.Context(), srv.BaseURL)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if models == nil {
		models = []ollama.ModelInfo{}
	}
	s.writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleServerRunning(w http.ResponseWriter, r *http.Request) {
	srv := s.resolveServer(w, r)
	if srv == nil {
		return
	}

	models, err := s.client.ListRunning(r.Context(), srv.BaseURL)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if models == nil {
		models = []ollama.RunningModel{}
	}
	s.writeJSON(w, http.StatusOK, models)
}

// ============================================================================
// MODEL ADMINISTRATION
// ============================================================================

type modelRequest struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (s *Server) handleShowModel(w http.ResponseWriter, r *http.Request) {
	srv := s.resolveServer(w, r)
	if srv == nil {
		return
	}

	var req modelRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	info, err := s.client.ShowModel(r.Context(), srv.BaseURL, req.Name)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	srv := s.resolveServer(w, r)
	if srv == nil {
		return
	}

	var req modelRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.client.DeleteModel(r.Context(), srv.BaseURL, req.Name); err != nil {
		s.writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCopyModel(w http.ResponseWriter, r *http.Request) {
	srv := s.resolveServer(w, r)
	if srv == nil {
		return
	}

	var req modelRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Source == "" || req.Destination == "" {
		s.writeError(w, http.StatusBadRequest, "source and destination are required")
		return
	}

	if err := s.client.CopyModel(r.Context(), srv.BaseURL, req.Source, req.Destination); err != nil {
		s.writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePullModel relays a model pull as SSE progress frames. Well-formed
// backend progress lines are forwarded verbatim; anything else is dropped.
func (s *Server) handlePullModel(w http.ResponseWriter, r *http.Request) {
	srv := s.resolveServer(w, r)
	if srv == nil {
		return
	}

	var req modelRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	body, err := s.client.PullStream(r.Context(), srv.BaseURL, req.Name)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	defer body.Close()

	em, err := relay.NewEmitter(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var lastStatus string
	dec := ollama.NewLineDecoder(body)
	for {
		raw, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if r.Context().Err() == nil {
				s.logger.Warn("pull stream failed",
					zap.String("model", req.Name), zap.Error(err))
				em.SendJSON(relay.ErrorEvent{Error: "pull stream interrupted"})
			}
			return
		}
		// Forward only well-formed progress frames.
		progress, ok := ollama.DecodePull(raw)
		if !ok {
			continue
		}
		lastStatus = progress.Status
		if err := em.SendRaw(raw); err != nil {
			return
		}
	}
	s.logger.Info("model pull finished",
		zap.String("model", req.Name), zap.String("status", lastStatus))
}
