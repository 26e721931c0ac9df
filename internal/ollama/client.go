// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
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

// Is matches client errors by type so callers can compare against the
// sentinels below with errors.Is.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Type != ErrTypeUnknown
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434).
	// The explicit IPv4 address avoids IPv6 resolution stalls on Windows.
	BaseURL string

	// Timeout for generate, embed and metadata requests (default: 120s)
	Timeout time.Duration

	// PullTimeout bounds a model download (default: 30m)
	PullTimeout time.Duration

	// EmbeddingModel is used by Embed when no model is given.
	EmbeddingModel string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:        "http://127.0.0.1:11434",
		Timeout:        120 * time.Second,
		PullTimeout:    30 * time.Minute,
		EmbeddingModel: "nomic-embed-text",
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the Ollama API. It is the inference
// engine, the model fetcher and the embedding provider for modelmux.
//
// The Client is safe for concurrent use.
//
// Example:
//
//	client := ollama.NewClient()
//	resp, err := client.Generate(ctx, "llama3.2:3b", "hello", nil)
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	pullClient *http.Client
}

// NewClient creates a new Ollama client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a new Ollama client with custom configuration.
// Zero fields are filled from DefaultConfig.
func NewClientWithConfig(config *ClientConfig) *Client {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.PullTimeout == 0 {
		config.PullTimeout = def.PullTimeout
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = def.EmbeddingModel
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		pullClient: &http.Client{Timeout: config.PullTimeout},
	}
}

// Config returns the client configuration.
func (c *Client) Config() *ClientConfig {
	return c.config
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that Ollama is reachable and running.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL, nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeConnection,
			Message: "unexpected status from Ollama: " + resp.Status,
		}
	}
	return nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels retrieves all locally installed models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var result ListModelsResponse
	if err := c.do(ctx, c.httpClient, http.MethodGet, "/api/tags", nil, &result, "list models"); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// LocalModelNames returns the installed model names in canonical form
// (see CanonicalName).
func (c *Client) LocalModelNames(ctx context.Context) ([]string, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, CanonicalName(m.Name))
	}
	return names, nil
}

// Pull downloads a model and blocks until Ollama reports success.
func (c *Client) Pull(ctx context.Context, model string) error {
	var result PullResponse
	req := PullRequest{Model: model, Stream: false}
	if err := c.do(ctx, c.pullClient, http.MethodPost, "/api/pull", req, &result, "pull "+model); err != nil {
		return err
	}
	if result.Status != "" && result.Status != "success" {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "pull " + model + " ended with status " + result.Status}
	}
	return nil
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate runs a single non-streaming completion.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts *Options) (*GenerateResponse, error) {
	req := GenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: opts,
	}
	var result GenerateResponse
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/api/generate", req, &result, "generate"); err != nil {
		return nil, err
	}
	return &result, nil
}

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	req := ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  opts,
	}
	var result ChatResponse
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/api/chat", req, &result, "chat"); err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// EMBEDDINGS
// =============================================================================

// Embed creates an embedding vector for text. An empty model selects the
// configured embedding model.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if model == "" {
		model = c.config.EmbeddingModel
	}
	var result EmbeddingResponse
	req := EmbeddingRequest{Model: model, Prompt: text}
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/api/embeddings", req, &result, "embedding"); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "empty embedding from " + model}
	}
	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do performs one JSON round trip. body may be nil; out receives the decoded
// 200 response.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, out any, op string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrModelNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var ollamaErr OllamaError
		if err := json.NewDecoder(resp.Body).Decode(&ollamaErr); err == nil && ollamaErr.Error != "" {
			return &ClientError{Type: ErrTypeInvalidResponse, Message: op + ": " + ollamaErr.Error}
		}
		return &ClientError{Type: ErrTypeInvalidResponse, Message: op + " request failed: " + resp.Status}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return nil
}

func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running", Cause: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsModelNotFound checks if an error is a model not found error.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}

// IsNotRunning checks if an error indicates Ollama is not running.
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning)
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
