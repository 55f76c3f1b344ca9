// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import "time"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message represents a chat message in the conversation.
type Message struct {
	Role    string   `json:"role"`             // "user", "assistant", "system"
	Content string   `json:"content"`          // The message content
	Images  []string `json:"images,omitempty"` // Base64-encoded attachments
}

// Options contains model parameters for inference. Fields are pointers so
// that only explicitly set parameters are sent to the backend.
type Options struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	NumCtx        *int     `json:"num_ctx,omitempty"`
	NumPredict    *int     `json:"num_predict,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

// IsZero reports whether no option has been set.
func (o *Options) IsZero() bool {
	if o == nil {
		return true
	}
	return o.Temperature == nil && o.TopK == nil && o.TopP == nil &&
		o.RepeatPenalty == nil && o.Seed == nil && o.NumCtx == nil &&
		o.NumPredict == nil && len(o.Stop) == 0
}

// ChatRequest is the request body for the /api/chat endpoint. KeepAlive is a
// top-level field on the Ollama API, not nested inside Options.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	Options   *Options  `json:"options,omitempty"`
	KeepAlive string    `json:"keep_alive,omitempty"`
}

// ShowModelRequest is the request body for /api/show.
type ShowModelRequest struct {
	Name string `json:"name"`
}

// DeleteModelRequest is the request body for /api/delete.
type DeleteModelRequest struct {
	Name string `json:"name"`
}

// CopyModelRequest is the request body for /api/copy.
type CopyModelRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// PullModelRequest is the request body for /api/pull.
type PullModelRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// VersionResponse is the response from /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

// ModelDetails contains detailed information about a model.
type ModelDetails struct {
	ParentModel       string   `json:"parent_model"`
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// ModelInfo describes an installed model from /api/tags.
type ModelInfo struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// ListModelsResponse is the response from /api/tags.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// RunningModel describes a currently loaded model from /api/ps.
type RunningModel struct {
	Name      string       `json:"name"`
	Model     string       `json:"model"`
	Size      int64        `json:"size"`
	Digest    string       `json:"digest"`
	Details   ModelDetails `json:"details"`
	ExpiresAt time.Time    `json:"expires_at"`
	SizeVRAM  int64        `json:"size_vram"`
}

// ListRunningResponse is the response from /api/ps.
type ListRunningResponse struct {
	Models []RunningModel `json:"models"`
}

// ShowModelResponse is the response from /api/show.
type ShowModelResponse struct {
	License    string         `json:"license"`
	Modelfile  string         `json:"modelfile"`
	Parameters string         `json:"parameters"`
	Template   string         `json:"template"`
	Details    ModelDetails   `json:"details"`
	ModelInfo  map[string]any `json:"model_info"`
}

// =============================================================================
// STREAMING TYPES
// =============================================================================

// ChatChunk is one decoded line of a streaming /api/chat response. The final
// line carries Done together with the cumulative token counts.
type ChatChunk struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// PullProgress is one decoded line of a streaming /api/pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// apiError is the JSON error body Ollama returns on non-2xx responses.
type apiError struct {
	Error string `json:"error"`
}

// =============================================================================
// HELPER METHODS
// =============================================================================

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}
