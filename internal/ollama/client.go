// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeUnreachable
	ErrTypeTimeout
	ErrTypeBadStatus
	ErrTypeInvalidResponse
)

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type       ErrorType
	StatusCode int // set for ErrTypeBadStatus
	Message    string
	Cause      error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// IsUnreachable checks if an error indicates the server could not be reached.
func IsUnreachable(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeUnreachable
	}
	return false
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeTimeout
	}
	return false
}

// IsBadStatus checks if an error is a non-2xx response and returns the code.
func IsBadStatus(err error) (int, bool) {
	var clientErr *ClientError
	if errors.As(err, &clientErr) && clientErr.Type == ErrTypeBadStatus {
		return clientErr.StatusCode, true
	}
	return 0, false
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// Timeout for non-streaming requests (default: 30s)
	Timeout time.Duration

	// ProbeTimeout for health/version probes (default: 3s). Kept short so a
	// dead backend cannot stall the admin UI.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:      30 * time.Second,
		ProbeTimeout: 3 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with Ollama inference servers. Every method
// takes the target server's base URL, so one Client serves all registered
// backends. The Client is safe for concurrent use.
type Client struct {
	config       *ClientConfig
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a new Ollama client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a new Ollama client with custom configuration.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 3 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		// Streams run until the backend signals done or the caller cancels
		// the context; no client-level timeout.
		streamClient: &http.Client{},
	}
}

// joinURL concatenates a base URL and an API path, stripping any trailing
// slash from the base first.
func joinURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

// =============================================================================
// VERSION AND HEALTH
// =============================================================================

// Version probes /api/version with a bounded timeout and returns the server
// version string.
func (c *Client) Version(ctx context.Context, baseURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	var result VersionResponse
	if err := c.getJSON(ctx, baseURL, "/api/version", &result); err != nil {
		return "", err
	}
	return result.Version, nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels retrieves all installed models from /api/tags.
func (c *Client) ListModels(ctx context.Context, baseURL string) ([]ModelInfo, error) {
	var result ListModelsResponse
	if err := c.getJSON(ctx, baseURL, "/api/tags", &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// ListRunning retrieves the currently loaded models from /api/ps.
func (c *Client) ListRunning(ctx context.Context, baseURL string) ([]RunningModel, error) {
	var result ListRunningResponse
	if err := c.getJSON(ctx, baseURL, "/api/ps", &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// ShowModel retrieves metadata for one model via /api/show.
func (c *Client) ShowModel(ctx context.Context, baseURL, name string) (*ShowModelResponse, error) {
	var result ShowModelResponse
	err := c.doJSON(ctx, http.MethodPost, baseURL, "/api/show", ShowModelRequest{Name: name}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteModel removes a model via /api/delete.
func (c *Client) DeleteModel(ctx context.Context, baseURL, name string) error {
	return c.doJSON(ctx, http.MethodDelete, baseURL, "/api/delete", DeleteModelRequest{Name: name}, nil)
}

// CopyModel duplicates a model via /api/copy.
func (c *Client) CopyModel(ctx context.Context, baseURL, source, destination string) error {
	req := CopyModelRequest{Source: source, Destination: destination}
	return c.doJSON(ctx, http.MethodPost, baseURL, "/api/copy", req, nil)
}

// =============================================================================
// STREAMING OPERATIONS
// =============================================================================

// PullStream starts a model pull and returns the raw newline-delimited JSON
// progress stream. The caller must close the returned reader on every path.
func (c *Client) PullStream(ctx context.Context, baseURL, name string) (io.ReadCloser, error) {
	return c.openStream(ctx, baseURL, "/api/pull", PullModelRequest{Name: name, Stream: true})
}

// OpenChatStream starts a streaming chat request and returns the raw
// newline-delimited JSON response body on success. A non-2xx response or a
// network failure returns a typed error without a body to clean up; on
// success the caller owns the reader and must close it on every exit path.
func (c *Client) OpenChatStream(ctx context.Context, baseURL string, req ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	return c.openStream(ctx, baseURL, "/api/chat", req)
}

// openStream issues a streaming POST and hands back the body on 2xx.
func (c *Client) openStream(ctx context.Context, baseURL, path string, reqBody any) (io.ReadCloser, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, path), bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnreachable, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, badStatusError(path, resp)
	}

	return resp.Body, nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, baseURL, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, path), nil)
	if err != nil {
		return &ClientError{Type: ErrTypeUnreachable, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return badStatusError(path, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return nil
}

// doJSON performs a request with a JSON body, optionally decoding into out.
func (c *Client) doJSON(ctx context.Context, method, baseURL, path string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, joinURL(baseURL, path), bytes.NewReader(body))
	if err != nil {
		return &ClientError{Type: ErrTypeUnreachable, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return badStatusError(path, resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return nil
}

// wrapTransportError maps network-level failures onto the error taxonomy.
func wrapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ClientError{Type: ErrTypeUnreachable, Message: "inference server unreachable", Cause: err}
}

// badStatusError builds a typed error from a non-2xx response, preferring the
// server's own error text when the body carries one.
func badStatusError(path string, resp *http.Response) error {
	message := "request to " + path + " failed: " + resp.Status

	var apiErr apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); err == nil && apiErr.Error != "" {
		message = apiErr.Error
	}

	return &ClientError{
		Type:       ErrTypeBadStatus,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}
