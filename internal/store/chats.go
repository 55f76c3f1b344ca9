// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultChatTitle is the placeholder title assigned to new chats. A real
// title is derived from the first user message on the first completed
// exchange.
const DefaultChatTitle = "New Conversation"

// =============================================================================
// CHAT TYPE
// =============================================================================

// Chat is one conversation. Parameters holds the sampling settings as a JSON
// object; interpreting them is the caller's concern.
type Chat struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Model        string          `json:"model"`
	ServerID     string          `json:"serverId,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// CreateChat starts a new conversation with the default title.
func (s *Store) CreateChat(ctx context.Context, model, serverID string) (*Chat, error) {
	now := time.Now().UTC()
	chat := &Chat{
		ID:         uuid.NewString(),
		Title:      DefaultChatTitle,
		Model:      model,
		ServerID:   serverID,
		Parameters: json.RawMessage(`{}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, model, server_id, system_prompt, parameters, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.Title, chat.Model, chat.ServerID, chat.SystemPrompt,
		string(chat.Parameters), chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// GetChat returns one chat by ID.
func (s *Store) GetChat(ctx context.Context, id string) (*Chat, error) {
	var chat Chat
	var params string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, server_id, system_prompt, parameters, created_at, updated_at
		 FROM chats WHERE id = ?`, id).
		Scan(&chat.ID, &chat.Title, &chat.Model, &chat.ServerID, &chat.SystemPrompt,
			&params, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	chat.Parameters = json.RawMessage(params)
	return &chat, nil
}

// ListChats returns all chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, model, server_id, system_prompt, parameters, created_at, updated_at
		 FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		var params string
		if err := rows.Scan(&chat.ID, &chat.Title, &chat.Model, &chat.ServerID,
			&chat.SystemPrompt, &params, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, err
		}
		chat.Parameters = json.RawMessage(params)
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// ChatUpdate lists the mutable chat fields; nil fields are left unchanged.
type ChatUpdate struct {
	Title        *string
	Model        *string
	ServerID     *string
	SystemPrompt *string
	Parameters   json.RawMessage
}

// UpdateChat applies a partial update and bumps the updated timestamp.
func (s *Store) UpdateChat(ctx context.Context, id string, upd ChatUpdate) (*Chat, error) {
	chat, err := s.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Title != nil {
		chat.Title = *upd.Title
	}
	if upd.Model != nil {
		chat.Model = *upd.Model
	}
	if upd.ServerID != nil {
		chat.ServerID = *upd.ServerID
	}
	if upd.SystemPrompt != nil {
		chat.SystemPrompt = *upd.SystemPrompt
	}
	if upd.Parameters != nil {
		if !json.Valid(upd.Parameters) {
			return nil, errors.New("parameters must be valid JSON")
		}
		chat.Parameters = upd.Parameters
	}
	chat.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, model = ?, server_id = ?, system_prompt = ?, parameters = ?, updated_at = ?
		 WHERE id = ?`,
		chat.Title, chat.Model, chat.ServerID, chat.SystemPrompt,
		string(chat.Parameters), chat.UpdatedAt, chat.ID)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// SetTitleIfDefault sets the chat title only while it still carries the
// default placeholder, so a user-chosen title is never overwritten. Returns
// whether the title changed.
func (s *Store) SetTitleIfDefault(ctx context.Context, id, title string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ? WHERE id = ? AND title = ?`,
		title, id, DefaultChatTitle)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchChat bumps the updated timestamp so the chat sorts to the top of the
// list.
func (s *Store) TouchChat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteChat removes a chat and, via the foreign key cascade, its messages.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is one turn in a chat. Images are base64-encoded attachments on
// user messages; the token counts and latency are filled in on assistant
// messages only, once the stream that produced them has completed.
type Message struct {
	ID               string    `json:"id"`
	ChatID           string    `json:"chatId"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	Images           []string  `json:"images,omitempty"`
	PromptTokens     int       `json:"promptTokens,omitempty"`
	CompletionTokens int       `json:"completionTokens,omitempty"`
	LatencyMs        int64     `json:"latencyMs,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	Seq              int64     `json:"-"`
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AppendMessage adds msg at the end of its chat, assigning ID, CreatedAt and
// the ordering sequence number.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()

	images, err := json.Marshal(msg.Images)
	if err != nil {
		return err
	}
	if msg.Images == nil {
		images = []byte(`[]`)
	}

	// seq orders messages within a chat independent of wall-clock
	// resolution.
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?`, msg.ChatID).
		Scan(&msg.Seq)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, content, images,
		  prompt_tokens, completion_tokens, latency_ms, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Role, msg.Content, string(images),
		msg.PromptTokens, msg.CompletionTokens, msg.LatencyMs, msg.CreatedAt, msg.Seq)
	return err
}

// ListMessages returns a chat's messages in conversation order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, images,
		  prompt_tokens, completion_tokens, latency_ms, created_at, seq
		 FROM messages WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var images string
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &images,
			&msg.PromptTokens, &msg.CompletionTokens, &msg.LatencyMs,
			&msg.CreatedAt, &msg.Seq); err != nil {
			return nil, err
		}
		if images != "" && images != "[]" {
			if err := json.Unmarshal([]byte(images), &msg.Images); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// DeleteMessages removes the given messages from a chat. Used when a turn is
// regenerated or edited and the old tail must go.
func (s *Store) DeleteMessages(ctx context.Context, chatID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE id = ? AND chat_id = ?`, id, chatID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
