// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ollamagate/ollamagate/internal/chat"
	"github.com/ollamagate/ollamagate/internal/relay"
	"github.com/ollamagate/ollamagate/internal/store"
)

// ============================================================================
// CONVERSATIONS
// ============================================================================

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	s.writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string `json:"model"`
		ServerID string `json:"serverId"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" || req.ServerID == "" {
		s.writeError(w, http.StatusBadRequest, "model and serverId are required")
		return
	}
	if _, err := s.store.GetServer(r.Context(), req.ServerID); err != nil {
		s.writeStoreError(w, err, "Server not found")
		return
	}

	ch, err := s.store.CreateChat(r.Context(), req.Model, req.ServerID)
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusCreated, ch)
}

// chatDetail is a chat with its messages inlined.
type chatDetail struct {
	*store.Chat
	Messages []store.Message `json:"messages"`
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChat(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "Chat not found")
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), ch.ID)
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	s.writeJSON(w, http.StatusOK, chatDetail{Chat: ch, Messages: msgs})
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        *string         `json:"title"`
		Model        *string         `json:"model"`
		ServerID     *string         `json:"serverId"`
		SystemPrompt *string         `json:"systemPrompt"`
		Parameters   json.RawMessage `json:"parameters"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if req.Parameters != nil {
		if _, err := chat.ParseParameters(req.Parameters); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid parameters")
			return
		}
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		s.writeError(w, http.StatusBadRequest, "title cannot be empty")
		return
	}

	ch, err := s.store.UpdateChat(r.Context(), r.PathValue("id"), store.ChatUpdate{
		Title:        req.Title,
		Model:        req.Model,
		ServerID:     req.ServerID,
		SystemPrompt: req.SystemPrompt,
		Parameters:   req.Parameters,
	})
	if err != nil {
		s.writeStoreError(w, err, "Chat not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChat(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err, "Chat not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// CONVERSATION TURNS
// ============================================================================

// resolveChatBackend loads a chat and the base URL of its backend, writing
// the error response itself on failure.
func (s *Server) resolveChatBackend(w http.ResponseWriter, r *http.Request) (*store.Chat, string) {
	ch, err := s.store.GetChat(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "Chat not found")
		return nil, ""
	}
	srv, err := s.store.GetServer(r.Context(), ch.ServerID)
	if err != nil {
		s.writeStoreError(w, err, "Server not found")
		return nil, ""
	}
	return ch, srv.BaseURL
}

// runTurn executes a planned turn, mapping pre-stream failures to statuses.
func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, ch *store.Chat, baseURL string, plan chat.Plan) {
	turn := relay.Turn{
		Chat:     ch,
		BaseURL:  baseURL,
		Plan:     plan,
		ClientIP: GetClientIP(r),
	}
	if err := s.relay.Run(r.Context(), w, turn); err != nil {
		s.writeBackendError(w, err)
	}
}

// handleSendMessage runs one streaming conversation turn. The same endpoint
// covers three operations: a plain send, a regenerate of the last assistant
// answer (regenerate: true, no content), and an edit of an earlier user
// message (editMessageId set, content is the replacement).
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content       string   `json:"content"`
		Images        []string `json:"images"`
		Regenerate    bool     `json:"regenerate"`
		EditMessageID string   `json:"editMessageId"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if !req.Regenerate && strings.TrimSpace(req.Content) == "" {
		s.writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	ch, baseURL := s.resolveChatBackend(w, r)
	if ch == nil {
		return
	}

	history, err := s.store.ListMessages(r.Context(), ch.ID)
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}

	var plan chat.Plan
	switch {
	case req.Regenerate:
		plan, err = chat.PlanRegenerate(history)
		if errors.Is(err, chat.ErrNothingToRegenerate) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	case req.EditMessageID != "":
		plan, err = chat.PlanEdit(history, req.EditMessageID, req.Content, req.Images)
		if errors.Is(err, chat.ErrMessageNotFound) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
	default:
		plan = chat.PlanSend(history, req.Content, req.Images)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runTurn(w, r, ch, baseURL, plan)
}

// ============================================================================
// COMPARISON
// ============================================================================

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt     string          `json:"prompt"`
		ServerIDA  string          `json:"serverIdA"`
		ModelA     string          `json:"modelA"`
		ServerIDB  string          `json:"serverIdB"`
		ModelB     string          `json:"modelB"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" || req.ServerIDA == "" || req.ModelA == "" ||
		req.ServerIDB == "" || req.ModelB == "" {
		s.writeError(w, http.StatusBadRequest, "prompt, servers, and models are required")
		return
	}

	params, err := chat.ParseParameters(req.Parameters)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid parameters")
		return
	}

	srvA, err := s.store.GetServer(r.Context(), req.ServerIDA)
	if err != nil {
		s.writeStoreError(w, err, "Server not found")
		return
	}
	srvB, err := s.store.GetServer(r.Context(), req.ServerIDB)
	if err != nil {
		s.writeStoreError(w, err, "Server not found")
		return
	}

	err = s.relay.Compare(r.Context(), w, relay.CompareInput{
		Prompt:   req.Prompt,
		Params:   params,
		ClientIP: GetClientIP(r),
		A:        relay.CompareBackend{ServerID: srvA.ID, BaseURL: srvA.BaseURL, Model: req.ModelA},
		B:        relay.CompareBackend{ServerID: srvB.ID, BaseURL: srvB.BaseURL, Model: req.ModelB},
	})
	if err != nil {
		s.writeBackendError(w, err)
	}
}

// ============================================================================
// REQUEST LOGS
// ============================================================================

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	logs, err := s.store.ListLogs(r.Context(), limit, offset)
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	if logs == nil {
		logs = []store.RequestLog{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
