// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay streams backend inference responses to HTTP clients as
// server-sent events, persisting the exchange once the backend reports
// completion. It also fans one prompt out to two backends for side-by-side
// comparison.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// =============================================================================
// SSE EMITTER
// =============================================================================

// ErrStreamingUnsupported means the response writer cannot flush, so
// server-sent events would sit in a buffer until the handler returns.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// Emitter writes server-sent event frames. Send calls are serialized, so two
// comparison readers can share one emitter without interleaving frames.
type Emitter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEmitter prepares w for an SSE response and returns an emitter over it.
// The response headers are written here; the handler must not touch w
// afterwards.
func NewEmitter(w http.ResponseWriter) (*Emitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Emitter{w: w, flusher: flusher}, nil
}

// SendRaw emits one data frame carrying the given payload verbatim and
// flushes it to the client.
func (e *Emitter) SendRaw(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// SendJSON marshals v and emits it as one data frame.
func (e *Emitter) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.SendRaw(data)
}
