// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama
// inference servers.
//
// Unlike a single-server client, every call takes the server's base URL so
// one client instance can front any number of registered backends. The
// package also provides the newline-delimited JSON decoding used by chat
// streaming, comparison streaming, and pull progress.
//
// Errors are typed: a network-level failure yields ErrTypeUnreachable, a
// non-2xx response yields ErrTypeBadStatus carrying the status code and the
// server's error text, and probe timeouts yield ErrTypeTimeout. Callers use
// IsUnreachable and friends rather than string matching.
package ollama
