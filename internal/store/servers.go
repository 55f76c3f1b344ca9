// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SERVER TYPE
// =============================================================================

// Server is a registered inference backend.
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"baseUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// SERVER OPERATIONS
// =============================================================================

// CreateServer registers a backend. The base URL is stored without a
// trailing slash so API paths concatenate cleanly.
func (s *Store) CreateServer(ctx context.Context, name, baseURL string) (*Server, error) {
	srv := &Server{
		ID:        uuid.NewString(),
		Name:      name,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, base_url, created_at) VALUES (?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.BaseURL, srv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// GetServer returns one server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (*Server, error) {
	var srv Server
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, created_at FROM servers WHERE id = ?`, id).
		Scan(&srv.ID, &srv.Name, &srv.BaseURL, &srv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

// ListServers returns all registered servers, oldest first.
func (s *Store) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_url, created_at FROM servers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []Server
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.BaseURL, &srv.CreatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// UpdateServer renames a server or changes its base URL.
func (s *Store) UpdateServer(ctx context.Context, id, name, baseURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET name = ?, base_url = ? WHERE id = ?`,
		name, strings.TrimRight(baseURL, "/"), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteServer removes a server registration.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// requireRow converts a zero-row update or delete into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
