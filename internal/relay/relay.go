// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ollamagate/ollamagate/internal/chat"
	"github.com/ollamagate/ollamagate/internal/ollama"
	"github.com/ollamagate/ollamagate/internal/store"
)

// =============================================================================
// RELAY
// =============================================================================

// Relay executes conversation turns against inference backends.
type Relay struct {
	store  *store.Store
	client *ollama.Client
	logger *zap.Logger
}

// New creates a relay.
func New(st *store.Store, client *ollama.Client, logger *zap.Logger) *Relay {
	return &Relay{store: st, client: client, logger: logger}
}

// DoneEvent is the synthetic terminal frame appended after the backend's own
// chunks. Clients recognize it by the token count fields, which the backend's
// final chunk does not carry under these names.
type DoneEvent struct {
	Done             bool  `json:"done"`
	PromptTokens     int   `json:"promptTokens"`
	CompletionTokens int   `json:"completionTokens"`
	LatencyMs        int64 `json:"latencyMs"`
}

// ErrorEvent reports a mid-stream backend failure to the client.
type ErrorEvent struct {
	Error string `json:"error"`
}

// =============================================================================
// SINGLE-BACKEND TURN
// =============================================================================

// Turn describes one conversation turn to execute.
type Turn struct {
	Chat     *store.Chat
	BaseURL  string
	Plan     chat.Plan
	ClientIP string
}

// Run executes one turn of a conversation: apply the plan's deletions,
// persist the new user message, stream the backend response to the client,
// then persist the assistant message and usage log.
//
// An error return means streaming never started and the handler still owns
// the response. Once the stream is open, failures are reported in-band and
// Run returns nil.
//
// If the client disconnects mid-stream the backend request is canceled and
// the partial assistant response is discarded; the turn simply has no answer
// yet.
func (r *Relay) Run(ctx context.Context, w http.ResponseWriter, turn Turn) error {
	ch, plan := turn.Chat, turn.Plan
	params, err := chat.ParseParameters(ch.Parameters)
	if err != nil {
		return err
	}
	// The chat's own system prompt wins over one embedded in parameters.
	if ch.SystemPrompt != "" {
		params.SystemPrompt = ch.SystemPrompt
	}

	if err := r.store.DeleteMessages(ctx, ch.ID, plan.DeleteIDs); err != nil {
		return err
	}
	if plan.NewUserContent != "" {
		userMsg := &store.Message{
			ChatID:  ch.ID,
			Role:    "user",
			Content: plan.NewUserContent,
			Images:  plan.NewUserImages,
		}
		if err := r.store.AppendMessage(ctx, userMsg); err != nil {
			return err
		}
	}

	req := chat.BuildRequest(ch.Model, params, plan.Outbound)
	start := time.Now()

	body, err := r.client.OpenChatStream(ctx, turn.BaseURL, req)
	if err != nil {
		r.logFailure(ch.ServerID, ch.Model, turn.ClientIP, StatusForError(err))
		return err
	}
	defer body.Close()

	em, err := NewEmitter(w)
	if err != nil {
		return err
	}

	var content strings.Builder
	var promptTokens, completionTokens int

	dec := ollama.NewLineDecoder(body)
	for {
		raw, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client went away; drop the partial turn.
				r.logger.Debug("stream aborted by client", zap.String("chat_id", ch.ID))
				return nil
			}
			r.logger.Warn("backend stream failed mid-response",
				zap.String("chat_id", ch.ID), zap.Error(err))
			em.SendJSON(ErrorEvent{Error: "inference stream interrupted"})
			r.logFailure(ch.ServerID, ch.Model, turn.ClientIP, http.StatusBadGateway)
			return nil
		}

		// Forward the backend's chunk untouched.
		if err := em.SendRaw(raw); err != nil {
			return nil
		}

		if chunk, ok := ollama.DecodeChat(raw); ok {
			content.WriteString(chunk.Message.Content)
			if chunk.Done {
				promptTokens = chunk.PromptEvalCount
				completionTokens = chunk.EvalCount
			}
		}
	}

	latency := time.Since(start).Milliseconds()

	// The exchange is complete; a disconnect from here on must not lose it.
	pctx := context.WithoutCancel(ctx)

	assistantMsg := &store.Message{
		ChatID:           ch.ID,
		Role:             "assistant",
		Content:          content.String(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMs:        latency,
	}
	if err := r.store.AppendMessage(pctx, assistantMsg); err != nil {
		r.logger.Error("failed to persist assistant message",
			zap.String("chat_id", ch.ID), zap.Error(err))
	}
	if err := r.store.InsertLog(pctx, &store.RequestLog{
		ServerID:         ch.ServerID,
		Model:            ch.Model,
		Endpoint:         "/api/chat",
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMs:        latency,
		StatusCode:       http.StatusOK,
		ClientIP:         turn.ClientIP,
	}); err != nil {
		r.logger.Error("failed to record request log", zap.Error(err))
	}

	if plan.NewUserContent != "" {
		if _, err := r.store.SetTitleIfDefault(pctx, ch.ID, chat.DeriveTitle(plan.NewUserContent)); err != nil {
			r.logger.Warn("failed to derive chat title", zap.Error(err))
		}
	}
	if err := r.store.TouchChat(pctx, ch.ID); err != nil {
		r.logger.Warn("failed to touch chat", zap.Error(err))
	}

	em.SendJSON(DoneEvent{
		Done:             true,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMs:        latency,
	})
	return nil
}

// logFailure records a zero-token failure log; the request consumed backend
// capacity even though it produced nothing.
func (r *Relay) logFailure(serverID, model, clientIP string, statusCode int) {
	if err := r.store.InsertLog(context.Background(), &store.RequestLog{
		ServerID:   serverID,
		Model:      model,
		Endpoint:   "/api/chat",
		StatusCode: statusCode,
		ClientIP:   clientIP,
	}); err != nil {
		r.logger.Error("failed to record failure log", zap.Error(err))
	}
}

// StatusForError maps a backend open failure onto the gateway's response
// status: bad gateway for unreachable or erroring backends, gateway timeout
// for timeouts.
func StatusForError(err error) int {
	if ollama.IsTimeout(err) {
		return http.StatusGatewayTimeout
	}
	var clientErr *ollama.ClientError
	if errors.As(err, &clientErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
