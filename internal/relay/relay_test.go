// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ollamagate/ollamagate/internal/chat"
	"github.com/ollamagate/ollamagate/internal/ollama"
	"github.com/ollamagate/ollamagate/internal/store"
)

func testRelay(t *testing.T) (*Relay, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, ollama.NewClient(), zap.NewNop()), st
}

// chatBackend serves a scripted newline-delimited chat response.
func chatBackend(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, line := range lines {
			io.WriteString(w, line+"\n")
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// sseFrames extracts the data payloads from a recorded SSE response.
func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("malformed frame: %q", block)
		}
		frames = append(frames, strings.TrimPrefix(block, "data: "))
	}
	return frames
}

const (
	chunkHel  = `{"message":{"role":"assistant","content":"Hel"},"done":false}`
	chunkLo   = `{"message":{"role":"assistant","content":"lo"},"done":false}`
	chunkDone = `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":3,"eval_count":2}`
)

func TestRun_StreamsAndPersists(t *testing.T) {
	r, st := testRelay(t)
	ctx := context.Background()
	backend := chatBackend(t, chunkHel, chunkLo, chunkDone)

	ch, err := st.CreateChat(ctx, "llama3.2:3b", "")
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	plan := chat.PlanSend(nil, "What is Go?", []string{"aW1hZ2UtYnl0ZXM="})
	turn := Turn{Chat: ch, BaseURL: backend.URL, Plan: plan, ClientIP: "203.0.113.9"}
	if err := r.Run(ctx, rec, turn); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 3 forwarded + 1 terminal: %v", len(frames), frames)
	}
	for i, want := range []string{chunkHel, chunkLo, chunkDone} {
		if frames[i] != want {
			t.Errorf("frame %d = %q, want the backend chunk verbatim", i, frames[i])
		}
	}

	var done DoneEvent
	if err := json.Unmarshal([]byte(frames[3]), &done); err != nil {
		t.Fatalf("terminal frame not JSON: %v", err)
	}
	if !done.Done || done.PromptTokens != 3 || done.CompletionTokens != 2 {
		t.Errorf("terminal frame = %+v", done)
	}

	msgs, err := st.ListMessages(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "What is Go?" {
		t.Errorf("user row = %+v", msgs[0])
	}
	if len(msgs[0].Images) != 1 || msgs[0].Images[0] != "aW1hZ2UtYnl0ZXM=" {
		t.Errorf("user images = %v", msgs[0].Images)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Hello" {
		t.Errorf("assistant row = %+v", msgs[1])
	}
	if msgs[1].PromptTokens != 3 || msgs[1].CompletionTokens != 2 {
		t.Errorf("assistant usage = %+v", msgs[1])
	}

	logs, err := st.ListLogs(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || !logs[0].Succeeded() {
		t.Fatalf("logs = %+v", logs)
	}
	if logs[0].PromptTokens != 3 || logs[0].CompletionTokens != 2 {
		t.Errorf("log tokens = %d/%d", logs[0].PromptTokens, logs[0].CompletionTokens)
	}
	if logs[0].Endpoint != "/api/chat" || logs[0].StatusCode != http.StatusOK {
		t.Errorf("log endpoint/status = %q/%d", logs[0].Endpoint, logs[0].StatusCode)
	}
	if logs[0].ClientIP != "203.0.113.9" {
		t.Errorf("log client ip = %q", logs[0].ClientIP)
	}

	got, err := st.GetChat(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "What is Go?" {
		t.Errorf("title = %q, want derived from first user message", got.Title)
	}
}

func TestRun_TitleNotOverwritten(t *testing.T) {
	r, st := testRelay(t)
	ctx := context.Background()
	backend := chatBackend(t, chunkDone)

	ch, err := st.CreateChat(ctx, "llama3.2:3b", "")
	if err != nil {
		t.Fatal(err)
	}
	title := "My benchmarks"
	if _, err := st.UpdateChat(ctx, ch.ID, store.ChatUpdate{Title: &title}); err != nil {
		t.Fatal(err)
	}
	ch.Title = title

	turn := Turn{Chat: ch, BaseURL: backend.URL, Plan: chat.PlanSend(nil, "hello", nil)}
	if err := r.Run(ctx, httptest.NewRecorder(), turn); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, _ := st.GetChat(ctx, ch.ID)
	if got.Title != "My benchmarks" {
		t.Errorf("title = %q, user title must survive", got.Title)
	}
}

func TestRun_BackendError(t *testing.T) {
	r, st := testRelay(t)
	ctx := context.Background()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "model load failed"})
	}))
	defer backend.Close()

	ch, err := st.CreateChat(ctx, "llama3.2:3b", "")
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	err = r.Run(ctx, rec, Turn{Chat: ch, BaseURL: backend.URL, Plan: chat.PlanSend(nil, "hello", nil)})
	if err == nil {
		t.Fatal("expected error when backend refuses the stream")
	}
	if StatusForError(err) != http.StatusBadGateway {
		t.Errorf("StatusForError = %d, want 502", StatusForError(err))
	}
	if rec.Body.Len() != 0 {
		t.Errorf("nothing should be streamed on open failure, got %q", rec.Body.String())
	}

	// The user turn stays; the failed request is logged with zero tokens.
	msgs, _ := st.ListMessages(ctx, ch.ID)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("messages = %+v", msgs)
	}
	logs, _ := st.ListLogs(ctx, 10, 0)
	if len(logs) != 1 || logs[0].Succeeded() {
		t.Fatalf("logs = %+v", logs)
	}
	if logs[0].StatusCode != http.StatusBadGateway {
		t.Errorf("failure log status = %d, want 502", logs[0].StatusCode)
	}
	if logs[0].PromptTokens != 0 || logs[0].CompletionTokens != 0 {
		t.Errorf("failure log should carry zero tokens, got %+v", logs[0])
	}
}

func TestRun_ClientAbortDiscardsPartial(t *testing.T) {
	r, st := testRelay(t)

	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, chunkHel+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-req.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	ch, err := st.CreateChat(context.Background(), "llama3.2:3b", "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	if err := r.Run(ctx, rec, Turn{Chat: ch, BaseURL: backend.URL, Plan: chat.PlanSend(nil, "hello", nil)}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	msgs, _ := st.ListMessages(context.Background(), ch.ID)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("aborted turn must keep only the user row, got %+v", msgs)
	}
	logs, _ := st.ListLogs(context.Background(), 10, 0)
	if len(logs) != 0 {
		t.Errorf("aborted turn must not be logged, got %+v", logs)
	}
}

func TestRun_RegeneratePlan(t *testing.T) {
	r, st := testRelay(t)
	ctx := context.Background()
	backend := chatBackend(t,
		`{"message":{"role":"assistant","content":"better"},"done":false}`,
		chunkDone)

	ch, err := st.CreateChat(ctx, "llama3.2:3b", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range []*store.Message{
		{ChatID: ch.ID, Role: "user", Content: "question"},
		{ChatID: ch.ID, Role: "assistant", Content: "weak answer"},
	} {
		if err := st.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	history, err := st.ListMessages(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := chat.PlanRegenerate(history)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Run(ctx, httptest.NewRecorder(), Turn{Chat: ch, BaseURL: backend.URL, Plan: plan}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	msgs, _ := st.ListMessages(ctx, ch.ID)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want question + regenerated answer", len(msgs))
	}
	if msgs[1].Content != "better" {
		t.Errorf("assistant row = %+v", msgs[1])
	}
}
