// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat maps stored conversation state onto backend chat requests:
// sampling parameters, outbound message lists, and the turn planner that
// decides which rows a send, regenerate, or edit touches.
package chat

import (
	"encoding/json"
	"strings"

	"github.com/ollamagate/ollamagate/internal/ollama"
	"github.com/ollamagate/ollamagate/internal/store"
)

// =============================================================================
// PARAMETERS
// =============================================================================

// Parameters are a chat's sampling settings as clients submit them. Unset
// fields are omitted from the backend request so model defaults apply.
type Parameters struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"topK,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	RepeatPenalty *float64 `json:"repeatPenalty,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	NumCtx        *int     `json:"numCtx,omitempty"`
	NumPredict    *int     `json:"numPredict,omitempty"`

	// Stop is a comma-separated list of stop sequences.
	Stop string `json:"stop,omitempty"`

	// SystemPrompt becomes the leading system message of every request.
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// KeepAlive controls how long the backend keeps the model loaded,
	// e.g. "5m" or "-1".
	KeepAlive string `json:"keepAlive,omitempty"`
}

// ParseParameters decodes a chat's stored parameters object. Empty or null
// input yields zero parameters.
func ParseParameters(raw json.RawMessage) (Parameters, error) {
	var p Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// Options converts the parameters to the backend options object, or nil when
// nothing is set.
func (p Parameters) Options() *ollama.Options {
	opts := &ollama.Options{
		Temperature:   p.Temperature,
		TopK:          p.TopK,
		TopP:          p.TopP,
		RepeatPenalty: p.RepeatPenalty,
		Seed:          p.Seed,
		NumCtx:        p.NumCtx,
		NumPredict:    p.NumPredict,
		Stop:          splitStop(p.Stop),
	}
	if opts.IsZero() {
		return nil
	}
	return opts
}

// splitStop turns the comma-separated stop string into a trimmed list,
// dropping empty entries.
func splitStop(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// REQUEST BUILDING
// =============================================================================

// BuildRequest assembles the backend chat request for a model, parameters,
// and an outbound message list. A system prompt is prepended as the first
// message.
func BuildRequest(model string, p Parameters, msgs []ollama.Message) ollama.ChatRequest {
	outbound := msgs
	if prompt := strings.TrimSpace(p.SystemPrompt); prompt != "" {
		outbound = append([]ollama.Message{ollama.NewSystemMessage(prompt)}, msgs...)
	}

	return ollama.ChatRequest{
		Model:     model,
		Messages:  outbound,
		Stream:    true,
		Options:   p.Options(),
		KeepAlive: p.KeepAlive,
	}
}

// toOutbound converts stored rows to wire messages.
func toOutbound(msgs []store.Message) []ollama.Message {
	out := make([]ollama.Message, len(msgs))
	for i, m := range msgs {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content, Images: m.Images}
	}
	return out
}

// =============================================================================
// TITLES
// =============================================================================

// titleLimit caps derived titles at 50 runes.
const titleLimit = 50

// DeriveTitle produces a chat title from the first user message: whitespace
// collapsed, cut at the rune limit.
func DeriveTitle(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit])
	}
	return content
}
