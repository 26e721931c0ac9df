// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jeranaias/modelmux/internal/memory"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/util"
)

// ============================================================================
// OPENAI-COMPATIBLE TYPES
// ============================================================================

// ChatMessage is a message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the OpenAI-compatible chat completion request.
// Model "auto" or empty routes the query; any other value names the model.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ChatChoice is a single choice in the completion response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage contains estimated token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID            string        `json:"id"`
	Object        string        `json:"object"`
	Created       int64         `json:"created"`
	Model         string        `json:"model"`
	Choices       []ChatChoice  `json:"choices"`
	Usage         Usage         `json:"usage"`
	RoutingMethod router.Method `json:"routing_method"`
}

// ModelInfo describes one model in GET /v1/models.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the OpenAI-compatible models list.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// validateMessages checks roles, count and lengths.
func validateMessages(messages []ChatMessage) error {
	if len(messages) == 0 {
		return errors.New("request must contain at least one message")
	}
	if len(messages) > MaxMessageCount {
		return fmt.Errorf("too many messages: maximum is %d", MaxMessageCount)
	}
	for i, msg := range messages {
		if !validRoles[msg.Role] {
			return fmt.Errorf("invalid role '%s' at message %d: must be one of user, assistant, system", msg.Role, i)
		}
		if len(msg.Content) > MaxQueryLength {
			return fmt.Errorf("message %d exceeds maximum length of %d", i, MaxQueryLength)
		}
	}
	if messages[len(messages)-1].Role != "user" {
		return errors.New("last message must have role user")
	}
	return nil
}

// completionPrompt renders earlier messages as context above the final user
// message, in the same layout the memory system uses.
func completionPrompt(messages []ChatMessage) string {
	last := messages[len(messages)-1].Content
	if len(messages) == 1 {
		return last
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range messages[:len(messages)-1] {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nCurrent query: ")
	b.WriteString(last)
	return b.String()
}

// ============================================================================
// HANDLERS
// ============================================================================

// handleChatCompletions handles POST /v1/chat/completions. It is stateless:
// no session memory is kept between requests.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeOpenAIError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return
		}
		log.Printf("COMPLETION_BAD_REQUEST | error=%v", err)
		writeOpenAIError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := router.QueryOptions{}
	if req.Model != "" && req.Model != "auto" {
		opts.Model = req.Model
	}
	prompt := completionPrompt(req.Messages)

	res, err := s.deps.Answerer.Query(r.Context(), prompt, opts)
	if err != nil {
		log.Printf("COMPLETION_FAILED | error=%v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, router.ErrUnroutable) {
			status = http.StatusServiceUnavailable
		}
		writeOpenAIError(w, status, "Request processing failed: "+err.Error())
		return
	}

	promptTokens := memory.EstimateTokens(prompt)
	completionTokens := memory.EstimateTokens(res.Response.Response)
	resp := ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: res.Timestamp.Unix(),
		Model:   res.Model,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: "assistant", Content: res.Response.Response},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		RoutingMethod: res.RoutingMethod,
	}
	log.Printf("COMPLETION | model=%s method=%s latency=%dms query=%q",
		res.Model, res.RoutingMethod, res.ResponseTimeMs, util.Preview(prompt, 50))

	if req.Stream {
		streamCompletion(w, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChunk is one server-sent event of a streamed completion.
type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChatMessage `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// streamCompletion sends a finished completion as role, content and stop
// chunks followed by [DONE]. Generation itself is not incremental.
func streamCompletion(w http.ResponseWriter, resp ChatCompletionResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	stop := "stop"
	deltas := []chunkChoice{
		{Delta: ChatMessage{Role: "assistant"}},
		{Delta: ChatMessage{Content: resp.Choices[0].Message.Content}},
		{FinishReason: &stop},
	}
	for _, d := range deltas {
		data, err := json.Marshal(streamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []chunkChoice{d},
		})
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleOpenAIModels handles GET /v1/models.
func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Local.Registry().Snapshot()
	models := []ModelInfo{{ID: "auto", Object: "model", OwnedBy: "modelmux"}}
	for _, m := range snap.Models() {
		owner := "ollama-library"
		if m.Local {
			owner = "ollama"
		}
		models = append(models, ModelInfo{
			ID:      m.Name,
			Object:  "model",
			Created: m.LastUpdated.Unix(),
			OwnedBy: owner,
		})
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Object: "list", Data: models})
}

// writeOpenAIError writes an OpenAI-shaped error body.
func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    status,
		},
	})
}
