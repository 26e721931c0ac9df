// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/embed"
	"github.com/jeranaias/modelmux/internal/memory"
	"github.com/jeranaias/modelmux/internal/ollama"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/session"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeEngine struct {
	mu     sync.Mutex
	err    error
	models []string
}

func (f *fakeEngine) Generate(_ context.Context, model, _ string, _ *ollama.Options) (*ollama.GenerateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, model)
	if f.err != nil {
		return nil, f.err
	}
	return &ollama.GenerateResponse{Model: model, Response: "answer from " + model, Done: true}, nil
}

func (f *fakeEngine) Pull(context.Context, string) error { return nil }

type fakeProbe struct {
	names []string
	err   error
}

func (p fakeProbe) CheckRunning(context.Context) error { return p.err }

func (p fakeProbe) LocalModelNames(context.Context) ([]string, error) {
	return p.names, p.err
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) RefreshNow(context.Context) error {
	f.calls++
	return f.err
}

type testEnv struct {
	server    *Server
	engine    *fakeEngine
	refresher *fakeRefresher
	sessions  *session.Manager
}

func newTestEnv(t *testing.T, withMemory bool) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.RateLimit = 0

	reg := registry.New(nil, nil, registry.DefaultTagPolicy())
	reg.Set([]registry.ModelDescriptor{
		{Name: "qwen2.5-coder", Tag: "7b", FullName: "qwen2.5-coder:7b", Specializations: []string{"coding"}, PerformanceScore: 90, SizeGB: 4.7, Local: true},
		{Name: "llama3.2", Tag: "3b", FullName: "llama3.2:3b", Specializations: []string{"general"}, PerformanceScore: 80, SizeGB: 2, Local: true},
		{Name: "deepseek-r1", Tag: "8b", FullName: "deepseek-r1:8b", Specializations: []string{"reasoning"}, PerformanceScore: 88, SizeGB: 4.9, DownloadPriority: 93},
	})

	eng := &fakeEngine{}
	local := router.New(reg, eng, cfg)

	var factory session.MemoryFactory
	if withMemory {
		factory = func(string) (*memory.System, error) {
			return memory.New(cfg.Memory, embed.NewHashEmbedder(64), nil, nil), nil
		}
	}
	mgr := session.NewManager(session.DefaultConfig(), session.Local{Router: local}, factory, nil)
	ref := &fakeRefresher{}

	s := New(cfg, Deps{
		Local:     local,
		Sessions:  mgr,
		Engine:    fakeProbe{names: []string{"qwen2.5-coder:7b", "llama3.2:3b"}},
		Refresher: ref,
	})
	t.Cleanup(mgr.Stop)
	return &testEnv{server: s, engine: eng, refresher: ref, sessions: mgr}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// =============================================================================
// STATUS ENDPOINTS
// =============================================================================

func TestIndexPage(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/ws")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestHandleStats(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st StatsResponse
	decode(t, w, &st)
	assert.Equal(t, 3, st.TotalModels)
	assert.Equal(t, 2, st.LocalModels)
	assert.Equal(t, 1, st.DownloadableModels)
	assert.Zero(t, st.QueriesProcessed)
	assert.Nil(t, st.MetaRouter)
}

func TestHandleModels(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Models []registry.ModelDescriptor `json:"models"`
		Stats  StatsResponse              `json:"stats"`
	}
	decode(t, w, &body)
	assert.Len(t, body.Models, 3)
	assert.Equal(t, 3, body.Stats.TotalModels)
}

func TestHandleRecommendations(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/api/recommendations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Recommendations []registry.ModelDescriptor `json:"recommendations"`
	}
	decode(t, w, &body)
	require.Len(t, body.Recommendations, 1)
	assert.Equal(t, "deepseek-r1", body.Recommendations[0].Name)

	w = env.do(t, http.MethodGet, "/api/recommendations?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRefresh(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ok map[string]any
	decode(t, w, &ok)
	assert.Equal(t, "success", ok["status"])
	assert.Equal(t, 1, env.refresher.calls)

	env.refresher.err = errors.New("catalog unreachable")
	w = env.do(t, http.MethodPost, "/api/refresh", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	var failed map[string]string
	decode(t, w, &failed)
	assert.Equal(t, "Failed to refresh: catalog unreachable", failed["error"])
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var h HealthResponse
	decode(t, w, &h)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.OllamaStatus)
	assert.Equal(t, 2, h.LocalModels)
	assert.True(t, h.RouterInitialized)

	env.server.deps.Engine = fakeProbe{err: errors.New("connection refused")}
	w = env.do(t, http.MethodGet, "/api/health", nil)
	decode(t, w, &h)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "disconnected", h.OllamaStatus)
	assert.Zero(t, h.LocalModels)
}

func TestHandleMemory(t *testing.T) {
	env := newTestEnv(t, true)
	_, err := env.sessions.Create()
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/memory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m MemoryResponse
	decode(t, w, &m)
	assert.Equal(t, 4000, m.TokenLimit)
	assert.Equal(t, 20, m.MaxEntries)
	assert.Equal(t, 1, m.ActiveSessions)
}

func TestApplyConfigUpdatesWeights(t *testing.T) {
	env := newTestEnv(t, false)
	cfg := config.Default()
	cfg.Weights["general"] = 5.0
	env.server.ApplyConfig(cfg)

	got, err := env.server.deps.Local.Select(context.Background(), "what is the capital of France", router.Hints{})
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", registry.BaseName(got))
}

// =============================================================================
// WEBSOCKET
// =============================================================================

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func sendFrame(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(text)))
}

func TestWebSocketChat(t *testing.T) {
	env := newTestEnv(t, true)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	defer conn.CloseNow()

	sendFrame(t, conn, "debug this function")
	status := readFrame(t, conn)
	assert.Equal(t, "processing", status["status"])
	assert.Equal(t, "system", status["model"])

	reply := readFrame(t, conn)
	assert.Equal(t, "qwen2.5-coder:7b", reply["model"])
	assert.Equal(t, "answer from qwen2.5-coder:7b", reply["response"])
	assert.Equal(t, "local", reply["routing_method"])
	assert.NotEmpty(t, reply["session_id"])
	assert.EqualValues(t, 2, reply["memory_size"])

	// JSON frames may pin a model.
	sendFrame(t, conn, `{"query": "debug this function again", "model": "llama3.2:3b"}`)
	readFrame(t, conn)
	reply = readFrame(t, conn)
	assert.Equal(t, "llama3.2:3b", reply["model"])
	assert.EqualValues(t, 4, reply["memory_size"])
	assert.Equal(t, true, reply["context_used"])

	require.Equal(t, 1, env.sessions.Len())
	conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return env.sessions.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketErrorFrame(t *testing.T) {
	env := newTestEnv(t, false)
	env.engine.err = errors.New("model crashed")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	defer conn.CloseNow()

	sendFrame(t, conn, "hello there")
	readFrame(t, conn)
	frame := readFrame(t, conn)
	assert.Equal(t, "error-handler", frame["model"])
	assert.EqualValues(t, 0, frame["response_time_ms"])
	assert.Contains(t, frame["message"], "Sorry, I encountered an error: ")
	assert.NotEmpty(t, frame["error"])
	assert.Equal(t, []any{}, frame["specializations_used"])

	// The connection survives a failed query.
	env.engine.mu.Lock()
	env.engine.err = nil
	env.engine.mu.Unlock()
	sendFrame(t, conn, "hello again")
	readFrame(t, conn)
	frame = readFrame(t, conn)
	assert.NotEmpty(t, frame["response"])
}

func TestWebSocketSkipsBlankFrames(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	defer conn.CloseNow()

	sendFrame(t, conn, "   ")
	sendFrame(t, conn, "what is 2+2")
	status := readFrame(t, conn)
	assert.Equal(t, "processing", status["status"])
	reply := readFrame(t, conn)
	assert.NotEmpty(t, reply["response"])
}

func TestParseChatFrame(t *testing.T) {
	tests := []struct {
		in   string
		want ChatRequest
	}{
		{"hello", ChatRequest{Query: "hello"}},
		{"  padded  ", ChatRequest{Query: "padded"}},
		{`{"query": "hi", "model": "llama3.2:3b"}`, ChatRequest{Query: "hi", Model: "llama3.2:3b"}},
		{`{not json`, ChatRequest{Query: "{not json"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseChatFrame([]byte(tt.in)))
		})
	}
}

// =============================================================================
// OPENAI-COMPATIBLE ENDPOINTS
// =============================================================================

func TestValidateMessages(t *testing.T) {
	long := strings.Repeat("a", MaxQueryLength+1)
	many := make([]ChatMessage, MaxMessageCount+1)
	for i := range many {
		many[i] = ChatMessage{Role: "user", Content: "x"}
	}

	tests := []struct {
		name     string
		messages []ChatMessage
		wantErr  string
	}{
		{"valid", []ChatMessage{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}}, ""},
		{"empty", nil, "at least one message"},
		{"bad role", []ChatMessage{{Role: "hacker", Content: "hi"}}, "invalid role"},
		{"too long", []ChatMessage{{Role: "user", Content: long}}, "exceeds maximum length"},
		{"too many", many, "too many messages"},
		{"assistant last", []ChatMessage{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "yo"}}, "last message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMessages(tt.messages)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompletionPrompt(t *testing.T) {
	assert.Equal(t, "hi", completionPrompt([]ChatMessage{{Role: "user", Content: "hi"}}))

	got := completionPrompt([]ChatMessage{
		{Role: "user", Content: "my name is Sam"},
		{Role: "assistant", Content: "hello Sam"},
		{Role: "user", Content: "what is my name?"},
	})
	assert.Equal(t, "Conversation so far:\nuser: my name is Sam\nassistant: hello Sam\n\nCurrent query: what is my name?", got)
}

func TestHandleChatCompletions(t *testing.T) {
	env := newTestEnv(t, false)
	body := []byte(`{"model": "auto", "messages": [{"role": "user", "content": "debug this function"}]}`)

	w := env.do(t, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatCompletionResponse
	decode(t, w, &resp)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "qwen2.5-coder:7b", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "answer from qwen2.5-coder:7b", resp.Choices[0].Message.Content)
	assert.Equal(t, router.MethodLocal, resp.RoutingMethod)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestHandleChatCompletions_Stream(t *testing.T) {
	env := newTestEnv(t, false)
	body := []byte(`{"stream": true, "messages": [{"role": "user", "content": "hello"}]}`)

	w := env.do(t, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	out := w.Body.String()
	assert.Equal(t, 4, strings.Count(out, "data: "))
	assert.Contains(t, out, `"chat.completion.chunk"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestHandleChatCompletions_BadRequests(t *testing.T) {
	env := newTestEnv(t, false)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{"messages": [`, http.StatusBadRequest},
		{"no messages", `{"messages": []}`, http.StatusBadRequest},
		{"invalid role", `{"messages": [{"role": "root", "content": "x"}]}`, http.StatusBadRequest},
		{"too large", `{"messages": [{"role": "user", "content": "` + strings.Repeat("a", MaxRequestBodySize) + `"}]}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/chat/completions", []byte(tt.body))
			assert.Equal(t, tt.code, w.Code)
			var body map[string]map[string]any
			decode(t, w, &body)
			assert.NotEmpty(t, body["error"]["message"])
		})
	}
}

func TestHandleChatCompletions_InferenceFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.engine.err = errors.New("out of memory")

	w := env.do(t, http.MethodPost, "/v1/chat/completions", []byte(`{"messages": [{"role": "user", "content": "hi"}]}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleOpenAIModels(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ModelsResponse
	decode(t, w, &resp)
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 4)
	assert.Equal(t, "auto", resp.Data[0].ID)

	owners := map[string]string{}
	for _, m := range resp.Data {
		owners[m.ID] = m.OwnedBy
	}
	assert.Equal(t, "ollama", owners["qwen2.5-coder"])
	assert.Equal(t, "ollama-library", owners["deepseek-r1"])
}
