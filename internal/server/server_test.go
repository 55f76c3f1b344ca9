// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ollamagate/ollamagate/internal/config"
	"github.com/ollamagate/ollamagate/internal/ollama"
	"github.com/ollamagate/ollamagate/internal/ratelimit"
	"github.com/ollamagate/ollamagate/internal/store"
)

// newTestServer builds a gateway over a temp database and returns it with
// its HTTP test frontend.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	limits := ratelimit.NewStore(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window())
	t.Cleanup(limits.Close)

	s := NewServer(*cfg, st, ollama.NewClient(), limits, zap.NewNop())
	frontend := httptest.NewServer(s.Handler())
	t.Cleanup(frontend.Close)
	return s, frontend
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// fakeOllama serves scripted chat chunks for any /api/chat request.
func fakeOllama(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			json.NewEncoder(w).Encode(map[string]string{"version": "0.5.7"})
		case "/api/show":
			json.NewEncoder(w).Encode(map[string]any{
				"details": map[string]string{"family": "llama", "parameter_size": "3B"},
			})
		case "/api/chat", "/api/pull":
			for _, line := range lines {
				io.WriteString(w, line+"\n")
				w.(http.Flusher).Flush()
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(backend.Close)
	return backend
}

// registerBackend creates a server row pointing at the fake backend.
func registerBackend(t *testing.T, frontend *httptest.Server, backendURL string) store.Server {
	t.Helper()
	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/servers",
		map[string]string{"name": "test", "url": backendURL})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register backend: status %d", resp.StatusCode)
	}
	return decodeBody[store.Server](t, resp)
}

// ============================================================================
// HEALTH AND REGISTRY
// ============================================================================

func TestHealth(t *testing.T) {
	_, frontend := newTestServer(t, nil)

	resp, err := http.Get(frontend.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestServerRegistry(t *testing.T) {
	_, frontend := newTestServer(t, nil)

	// Validation.
	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/servers",
		map[string]string{"name": "", "url": "http://x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty name: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, frontend.URL+"/api/servers",
		map[string]string{"name": "bad", "url": "not-a-url"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad url: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	srv := registerBackend(t, frontend, "http://127.0.0.1:11434")

	resp, err := http.Get(frontend.URL + "/api/servers")
	if err != nil {
		t.Fatal(err)
	}
	servers := decodeBody[[]store.Server](t, resp)
	if len(servers) != 1 || servers[0].ID != srv.ID {
		t.Errorf("servers = %+v", servers)
	}

	resp = doJSON(t, http.MethodPut, frontend.URL+"/api/servers/"+srv.ID,
		map[string]string{"name": "renamed", "url": "http://127.0.0.1:11435"})
	updated := decodeBody[store.Server](t, resp)
	if updated.Name != "renamed" {
		t.Errorf("updated = %+v", updated)
	}

	resp = doJSON(t, http.MethodDelete, frontend.URL+"/api/servers/"+srv.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(frontend.URL + "/api/servers/" + srv.ID)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServerHealthProbe(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	backend := fakeOllama(t)
	srv := registerBackend(t, frontend, backend.URL)

	resp, err := http.Get(frontend.URL + "/api/servers/" + srv.ID + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["online"] != true || body["version"] != "0.5.7" {
		t.Errorf("probe = %v", body)
	}
}

func TestServerHealthProbe_Offline(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	srv := registerBackend(t, frontend, "http://127.0.0.1:1")

	resp, err := http.Get(frontend.URL + "/api/servers/" + srv.ID + "/health")
	if err != nil {
		t.Fatal(err)
	}
	// A dead backend is a state report, not a gateway error.
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["online"] != false {
		t.Errorf("probe = %v", body)
	}
}

// ============================================================================
// CONVERSATION FLOW
// ============================================================================

const doneChunk = `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":3,"eval_count":2}`

func createChat(t *testing.T, frontend *httptest.Server, serverID string) store.Chat {
	t.Helper()
	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/chats",
		map[string]string{"model": "llama3.2:3b", "serverId": serverID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat: status %d", resp.StatusCode)
	}
	return decodeBody[store.Chat](t, resp)
}

func TestChatCreate_RequiresServer(t *testing.T) {
	_, frontend := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/chats",
		map[string]string{"model": "m", "serverId": "nope"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown server", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSendMessage_StreamsSSE(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	backend := fakeOllama(t,
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		doneChunk)
	srv := registerBackend(t, frontend, backend.URL)
	ch := createChat(t, frontend, srv.ID)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/chats/"+ch.ID+"/messages",
		map[string]string{"content": "What is Go?"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(frames) != 4 {
		t.Fatalf("got %d frames: %v", len(frames), frames)
	}

	var terminal struct {
		Done             bool `json:"done"`
		PromptTokens     int  `json:"promptTokens"`
		CompletionTokens int  `json:"completionTokens"`
	}
	if err := json.Unmarshal([]byte(frames[len(frames)-1]), &terminal); err != nil {
		t.Fatal(err)
	}
	if !terminal.Done || terminal.PromptTokens != 3 || terminal.CompletionTokens != 2 {
		t.Errorf("terminal = %+v", terminal)
	}

	// The exchange is persisted and the title derived.
	getResp, err := http.Get(frontend.URL + "/api/chats/" + ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	detail := decodeBody[struct {
		Title    string          `json:"title"`
		Messages []store.Message `json:"messages"`
	}](t, getResp)
	if detail.Title != "What is Go?" {
		t.Errorf("title = %q", detail.Title)
	}
	if len(detail.Messages) != 2 || detail.Messages[1].Content != "Hello" {
		t.Errorf("messages = %+v", detail.Messages)
	}
	if detail.Messages[1].PromptTokens != 3 || detail.Messages[1].CompletionTokens != 2 {
		t.Errorf("assistant usage = %+v", detail.Messages[1])
	}

	logsResp, err := http.Get(frontend.URL + "/api/logs")
	if err != nil {
		t.Fatal(err)
	}
	logs := decodeBody[[]store.RequestLog](t, logsResp)
	if len(logs) != 1 || !logs[0].Succeeded() {
		t.Errorf("logs = %+v", logs)
	}
	if logs[0].ServerID != srv.ID || logs[0].Endpoint != "/api/chat" || logs[0].ClientIP == "" {
		t.Errorf("log attribution = %+v", logs[0])
	}
}

func TestSendMessage_EmptyContent(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	backend := fakeOllama(t, doneChunk)
	srv := registerBackend(t, frontend, backend.URL)
	ch := createChat(t, frontend, srv.ID)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/chats/"+ch.ID+"/messages",
		map[string]string{"content": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRegenerate_EmptyChat(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	backend := fakeOllama(t, doneChunk)
	srv := registerBackend(t, frontend, backend.URL)
	ch := createChat(t, frontend, srv.ID)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/chats/"+ch.ID+"/messages",
		map[string]any{"regenerate": true})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204 when there is nothing to regenerate", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEditMessage_UnknownID(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	backend := fakeOllama(t, doneChunk)
	srv := registerBackend(t, frontend, backend.URL)
	ch := createChat(t, frontend, srv.ID)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/chats/"+ch.ID+"/messages",
		map[string]any{"content": "revised", "editMessageId": "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown message", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSendMessage_BackendDown(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	srv := registerBackend(t, frontend, "http://127.0.0.1:1")
	ch := createChat(t, frontend, srv.ID)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/chats/"+ch.ID+"/messages",
		map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCompare_Validation(t *testing.T) {
	_, frontend := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/compare",
		map[string]string{"prompt": "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// ============================================================================
// ADMISSION CONTROL
// ============================================================================

func TestRateLimit_Enforced(t *testing.T) {
	_, frontend := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.MaxRequests = 2
		cfg.RateLimit.WindowMs = 60_000
	})
	backend := fakeOllama(t, doneChunk)
	srv := registerBackend(t, frontend, backend.URL)
	ch := createChat(t, frontend, srv.ID)

	send := func() *http.Response {
		return doJSON(t, http.MethodPost, frontend.URL+"/api/chats/"+ch.ID+"/messages",
			map[string]string{"content": "hi"})
	}

	for i := 0; i < 2; i++ {
		resp := send()
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, resp.StatusCode)
		}
	}

	resp := send()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if resp.Header.Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q", resp.Header.Get("X-RateLimit-Limit"))
	}

	// Registry endpoints are not rate limited.
	listResp, err := http.Get(frontend.URL + "/api/servers")
	if err != nil {
		t.Fatal(err)
	}
	listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Errorf("unlimited endpoint: status = %d", listResp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	_, frontend := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.BearerToken = "secret-token"
	})

	resp, err := http.Get(frontend.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, frontend.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, frontend.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status = %d", resp.StatusCode)
	}
}

// ============================================================================
// CLIENT IP
// ============================================================================

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.5:12345",
			want:       "203.0.113.5",
		},
		{
			name:       "forwarded header from untrusted peer ignored",
			remoteAddr: "203.0.113.5:12345",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1"},
			want:       "203.0.113.5",
		},
		{
			name:       "forwarded header from trusted proxy honored",
			remoteAddr: "127.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"},
			want:       "198.51.100.1",
		},
		{
			name:       "real ip fallback",
			remoteAddr: "10.0.0.2:9999",
			headers:    map[string]string{"X-Real-IP": "198.51.100.7"},
			want:       "198.51.100.7",
		},
		{
			name:       "invalid forwarded value falls back",
			remoteAddr: "127.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "<script>"},
			want:       "127.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ============================================================================
// MODEL PULL
// ============================================================================

func TestPullModel_StreamsProgress(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	backend := fakeOllama(t,
		`{"status":"pulling manifest"}`,
		`{"status":"success"}`)
	srv := registerBackend(t, frontend, backend.URL)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/servers/"+srv.ID+"/models/pull",
		map[string]string{"name": "llama3.2:3b"})
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	for _, want := range []string{"pulling manifest", "success"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q: %s", want, body)
		}
	}
}

func TestPullModel_DropsNonProgressFrames(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	backend := fakeOllama(t,
		`{"status":"pulling manifest"}`,
		`["not","a","progress","object"]`,
		`{"status":"success"}`)
	srv := registerBackend(t, frontend, backend.URL)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/servers/"+srv.ID+"/models/pull",
		map[string]string{"name": "llama3.2:3b"})
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	if strings.Contains(body, "not") {
		t.Errorf("non-progress frame must not be forwarded: %s", body)
	}
	for _, want := range []string{"pulling manifest", "success"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q: %s", want, body)
		}
	}
}

func TestShowModel(t *testing.T) {
	_, frontend := newTestServer(t, nil)
	backend := fakeOllama(t)
	srv := registerBackend(t, frontend, backend.URL)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/servers/"+srv.ID+"/models/show",
		map[string]string{"name": "llama3.2:3b"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["details"] == nil {
		t.Errorf("body = %v", body)
	}

	resp = doJSON(t, http.MethodPost, frontend.URL+"/api/servers/"+srv.ID+"/models/show",
		map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing name: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// Guard against frames accidentally double-encoded somewhere in the chain.
func TestSendMessage_FramesAreVerbatim(t *testing.T) {
	chunk := `{"message":{"role":"assistant","content":"x"},"done":false}`
	_, frontend := newTestServer(t, nil)
	backend := fakeOllama(t, chunk, doneChunk)
	srv := registerBackend(t, frontend, backend.URL)
	ch := createChat(t, frontend, srv.ID)

	resp := doJSON(t, http.MethodPost, frontend.URL+"/api/chats/"+ch.ID+"/messages",
		map[string]string{"content": "hi"})
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), fmt.Sprintf("data: %s\n\n", chunk)) {
		t.Errorf("backend chunk not forwarded verbatim:\n%s", data)
	}
}
