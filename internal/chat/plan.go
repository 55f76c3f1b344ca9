// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"

	"github.com/ollamagate/ollamagate/internal/ollama"
	"github.com/ollamagate/ollamagate/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNothingToRegenerate means the chat has no assistant turn yet.
	ErrNothingToRegenerate = errors.New("nothing to regenerate")

	// ErrMessageNotFound means the edited message is not in the chat.
	ErrMessageNotFound = errors.New("message not found in chat")

	// ErrNotUserMessage means only user turns can be edited.
	ErrNotUserMessage = errors.New("only user messages can be edited")
)

// =============================================================================
// TURN PLAN
// =============================================================================

// Plan is the resolved effect of one conversation operation, computed before
// anything is written: which stored rows to delete, what new user content to
// persist, and the message history to send to the backend. NewUserContent is
// empty for a regenerate, which re-sends existing history.
type Plan struct {
	DeleteIDs      []string
	NewUserContent string
	NewUserImages  []string
	Outbound       []ollama.Message
}

// PlanSend appends a new user turn to the conversation.
func PlanSend(history []store.Message, content string, images []string) Plan {
	return Plan{
		NewUserContent: content,
		NewUserImages:  images,
		Outbound:       append(toOutbound(history), userMessage(content, images)),
	}
}

// PlanRegenerate retries the last assistant turn. The last assistant message
// and everything after it are deleted, and the history up to that point is
// re-sent unchanged.
func PlanRegenerate(history []store.Message) (Plan, error) {
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			last = i
			break
		}
	}
	if last < 0 {
		return Plan{}, ErrNothingToRegenerate
	}

	return Plan{
		DeleteIDs: messageIDs(history[last:]),
		Outbound:  toOutbound(history[:last]),
	}, nil
}

// PlanEdit rewrites an earlier user turn. The edited message and everything
// after it are deleted; the new content becomes the final user turn of the
// re-sent history.
func PlanEdit(history []store.Message, messageID, content string, images []string) (Plan, error) {
	at := -1
	for i, m := range history {
		if m.ID == messageID {
			at = i
			break
		}
	}
	if at < 0 {
		return Plan{}, ErrMessageNotFound
	}
	if history[at].Role != "user" {
		return Plan{}, ErrNotUserMessage
	}

	return Plan{
		DeleteIDs:      messageIDs(history[at:]),
		NewUserContent: content,
		NewUserImages:  images,
		Outbound:       append(toOutbound(history[:at]), userMessage(content, images)),
	}, nil
}

func userMessage(content string, images []string) ollama.Message {
	return ollama.Message{Role: "user", Content: content, Images: images}
}

func messageIDs(msgs []store.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
