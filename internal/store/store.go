// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists gateway state: registered inference servers,
// conversations with their messages, and per-request usage logs. Everything
// lives in a single SQLite database so a deployment is one file on disk.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STORE
// =============================================================================

// Store wraps the SQLite database. It is safe for concurrent use; SQLite
// allows one writer at a time, so the pool is capped at a single connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	base_url   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	model         TEXT NOT NULL,
	server_id     TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	parameters    TEXT NOT NULL DEFAULT '{}',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	chat_id           TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role              TEXT NOT NULL,
	content           TEXT NOT NULL,
	images            TEXT NOT NULL DEFAULT '[]',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	seq               INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);

CREATE TABLE IF NOT EXISTS request_logs (
	id                TEXT PRIMARY KEY,
	server_id         TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL,
	endpoint          TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	latency_ms        INTEGER NOT NULL,
	status_code       INTEGER NOT NULL,
	client_ip         TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
