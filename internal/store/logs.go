// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// REQUEST LOG TYPE
// =============================================================================

// RequestLog records usage for one backend call, append-only. StatusCode is
// the HTTP-equivalent outcome; codes below 400 are successes. A failed
// request logs zero tokens.
type RequestLog struct {
	ID               string    `json:"id"`
	ServerID         string    `json:"serverId,omitempty"`
	Model            string    `json:"model"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	LatencyMs        int64     `json:"latencyMs"`
	StatusCode       int       `json:"statusCode"`
	ClientIP         string    `json:"clientIp,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Succeeded reports whether the logged call completed normally.
func (l RequestLog) Succeeded() bool {
	return l.StatusCode < 400
}

// =============================================================================
// LOG OPERATIONS
// =============================================================================

// InsertLog records one request. ID and CreatedAt are assigned here.
func (s *Store) InsertLog(ctx context.Context, log *RequestLog) error {
	log.ID = uuid.NewString()
	log.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (id, server_id, model, endpoint,
		  prompt_tokens, completion_tokens, latency_ms, status_code, client_ip, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.ServerID, log.Model, log.Endpoint,
		log.PromptTokens, log.CompletionTokens, log.LatencyMs,
		log.StatusCode, log.ClientIP, log.CreatedAt)
	return err
}

// ListLogs returns recent request logs, newest first. A non-positive limit
// defaults to 100.
func (s *Store) ListLogs(ctx context.Context, limit, offset int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, model, endpoint,
		  prompt_tokens, completion_tokens, latency_ms, status_code, client_ip, created_at
		 FROM request_logs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []RequestLog
	for rows.Next() {
		var log RequestLog
		if err := rows.Scan(&log.ID, &log.ServerID, &log.Model, &log.Endpoint,
			&log.PromptTokens, &log.CompletionTokens, &log.LatencyMs,
			&log.StatusCode, &log.ClientIP, &log.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
