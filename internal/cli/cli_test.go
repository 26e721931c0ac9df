// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/benchmark"
	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/detect"
	"github.com/jeranaias/modelmux/internal/metarouter"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/session"
	"github.com/jeranaias/modelmux/internal/storage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// newOllamaStub answers the Ollama endpoints the commands use.
func newOllamaStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ollama is running"))
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{
				{"name": "qwen2.5-coder:7b"},
				{"name": "llama3.2:3b"},
			},
		})
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"model":    req.Model,
			"response": "stub answer from " + req.Model,
			"done":     true,
		})
	})
	mux.HandleFunc("POST /api/pull", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// testHome points the config directory at a temp dir and writes a config
// that keeps every path inside it.
func testHome(t *testing.T, ollamaURL string) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MODELMUX_HOME", home)
	t.Setenv("HOME", home)
	t.Setenv("NO_COLOR", "1")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("MODELMUX_OPENAI_KEY", "")

	cfg := config.Default()
	cfg.Ollama.URL = ollamaURL
	cfg.Meta.Enabled = false
	cfg.Memory.Embedder = "hash"
	cfg.Memory.Dimension = 64
	cfg.Memory.Dir = filepath.Join(home, "memory")
	cfg.Discovery.CacheFile = filepath.Join(home, "models_cache.json")
	cfg.Storage.Path = filepath.Join(home, "modelmux.db")
	cfg.Routing.AutoPull = false
	require.NoError(t, config.SaveTOML(cfg, filepath.Join(home, "config.toml")))
	return cfg
}

// run executes the root command with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// scriptedInput feeds fixed lines to the chat loop, then EOF.
type scriptedInput struct {
	lines []string
}

func (s *scriptedInput) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "ask", "chat", "route", "models", "refresh", "config", "history", "bench"} {
		assert.Contains(t, names, want)
	}
}

func TestRouteCommandJSON(t *testing.T) {
	stub := newOllamaStub(t)
	testHome(t, stub.URL)

	out, err := run(t, "route", "--json", "write a python function to parse csv")
	require.NoError(t, err)

	var d router.RoutingDecision
	require.NoError(t, json.Unmarshal([]byte(out), &d), out)
	assert.NotEmpty(t, d.Model)
	assert.Equal(t, router.MethodLocal, d.Method)
	assert.Contains(t, d.Specializations, router.TagCoding)
}

func TestRouteCommandText(t *testing.T) {
	stub := newOllamaStub(t)
	testHome(t, stub.URL)

	out, err := run(t, "route", "write a python function to parse csv")
	require.NoError(t, err)
	assert.Contains(t, out, "Routing decision")
	assert.Contains(t, out, "local")
}

func TestAskCommand(t *testing.T) {
	stub := newOllamaStub(t)
	testHome(t, stub.URL)

	out, err := run(t, "ask", "--json", "hello", "there")
	require.NoError(t, err)

	var res metarouter.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.True(t, strings.HasPrefix(res.Response.Response, "stub answer from "))
	assert.Equal(t, router.MethodLocal, res.RoutingMethod)
}

func TestAskCommandPinnedModel(t *testing.T) {
	stub := newOllamaStub(t)
	testHome(t, stub.URL)

	out, err := run(t, "ask", "--model", "llama3.2:3b", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "stub answer from llama3.2:3b")
	assert.Contains(t, out, "llama3.2:3b")
}

func TestAskCommandRequiresQuery(t *testing.T) {
	_, err := run(t, "ask")
	assert.Error(t, err)
}

func TestModelsCommand(t *testing.T) {
	stub := newOllamaStub(t)
	testHome(t, stub.URL)

	out, err := run(t, "models")
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL")
	assert.Contains(t, out, "qwen2.5-coder")

	out, err = run(t, "models", "--json", "--recommend", "--limit", "2")
	require.NoError(t, err)
	var payload struct {
		Models []struct {
			Local bool `json:"is_local"`
		} `json:"models"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload), out)
	assert.LessOrEqual(t, len(payload.Models), 2)
	for _, m := range payload.Models {
		assert.False(t, m.Local, "recommendations exclude installed models")
	}
}

func TestModelsCommandFitFiltersByVRAM(t *testing.T) {
	stub := newOllamaStub(t)
	testHome(t, stub.URL)

	orig := detectHardware
	detectHardware = func(context.Context) *detect.GpuInfo {
		return &detect.GpuInfo{Name: "Test GPU", VramGB: 6, Type: detect.GpuTypeNvidia}
	}
	t.Cleanup(func() { detectHardware = orig })

	out, err := run(t, "models", "--json", "--recommend", "--fit", "--limit", "50")
	require.NoError(t, err)
	var payload struct {
		Models   []registry.ModelDescriptor `json:"models"`
		Hardware struct {
			VramGB int `json:"vram_gb"`
		} `json:"hardware"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload), out)
	assert.Equal(t, 6, payload.Hardware.VramGB)
	for _, m := range payload.Models {
		assert.LessOrEqual(t, detect.RequiredGB(m), 6.0, m.FullName)
	}

	out, err = run(t, "models", "--fit")
	require.NoError(t, err)
	assert.Contains(t, out, "Test GPU (6GB VRAM)")
}

func TestRefreshCommand(t *testing.T) {
	stub := newOllamaStub(t)
	testHome(t, stub.URL)

	out, err := run(t, "refresh", "--json")
	require.NoError(t, err)
	var st struct {
		Total int `json:"total_models_available"`
		Local int `json:"local_models"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st), out)
	assert.Positive(t, st.Total)
	assert.Positive(t, st.Local)
}

func TestConfigInitShowGetSet(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MODELMUX_HOME", home)
	t.Setenv("OPENAI_API_KEY", "sk-secret-value")
	path := filepath.Join(home, "config.toml")

	out, err := run(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = run(t, "config", "init")
	assert.Error(t, err, "init refuses to overwrite")
	_, err = run(t, "config", "init", "--force")
	assert.NoError(t, err)

	out, err = run(t, "config", "show", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "sk-secret-value")

	out, err = run(t, "config", "show", "--yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "local_boost:")

	out, err = run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[routing]")

	_, err = run(t, "config", "set", "server.port", "9123")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret-value", "environment secrets stay out of the file")

	out, err = run(t, "config", "get", "server.port")
	require.NoError(t, err)
	assert.Equal(t, "9123", strings.TrimSpace(out))

	_, err = run(t, "config", "set", "server.port", "0")
	assert.Error(t, err, "invalid values are rejected")

	out, err = run(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, path, strings.TrimSpace(out))
}

func TestHistoryCommands(t *testing.T) {
	stub := newOllamaStub(t)
	cfg := testHome(t, stub.URL)

	store, err := storage.Open(cfg.Storage.Path)
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	for _, turn := range []storage.Turn{
		{SessionID: "abc123-session", Role: "user", Content: "how do goroutines work", Timestamp: at},
		{SessionID: "abc123-session", Role: "assistant", Content: "they are lightweight threads", Model: "llama3.2:3b", Timestamp: at},
		{SessionID: "zzz999-session", Role: "user", Content: "tell me a joke", Timestamp: at.Add(time.Hour)},
	} {
		_, err := store.AppendTurn(ctx, turn)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	out, err := run(t, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "abc123-sessi")
	assert.Contains(t, out, "zzz999-sessi")

	out, err = run(t, "history", "show", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "how do goroutines work")
	assert.Contains(t, out, "lightweight threads")

	out, err = run(t, "history", "search", "GOROUTINES")
	require.NoError(t, err)
	assert.Contains(t, out, "how do goroutines work")

	exportPath := filepath.Join(t.TempDir(), "chat.md")
	_, err = run(t, "history", "export", "abc", "-o", exportPath)
	require.NoError(t, err)
	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Session abc123-session")
	assert.Contains(t, string(data), "- **Models**: llama3.2:3b")

	htmlPath := filepath.Join(t.TempDir(), "chat.html")
	_, err = run(t, "history", "export", "abc", "-f", "html", "--theme", "light", "-o", htmlPath)
	require.NoError(t, err)
	data, err = os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `<body class="light">`)
	assert.Contains(t, string(data), "lightweight threads")

	out, err = run(t, "history", "export", "abc", "-f", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"session_id": "abc123-session"`)

	_, err = run(t, "history", "export", "abc", "-f", "pdf")
	assert.ErrorContains(t, err, "unknown export format")

	_, err = run(t, "history", "show", "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = run(t, "history", "delete", "zzz")
	require.NoError(t, err)
	out, err = run(t, "history", "list", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "zzz999-session")
}

func TestHistoryAmbiguousPrefix(t *testing.T) {
	stub := newOllamaStub(t)
	cfg := testHome(t, stub.URL)

	store, err := storage.Open(cfg.Storage.Path)
	require.NoError(t, err)
	for _, id := range []string{"same-1", "same-2"} {
		_, err := store.AppendTurn(context.Background(), storage.Turn{SessionID: id, Role: "user", Content: "hi"})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	_, err = run(t, "history", "show", "same")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestBenchCommand(t *testing.T) {
	stub := newOllamaStub(t)
	testHome(t, stub.URL)

	out, err := run(t, "bench", "llama3.2:3b", "--category", "coding", "--json")
	require.NoError(t, err)

	var c benchmark.Comparison
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	require.Contains(t, c.Results, "llama3.2:3b")
	r := c.Results["llama3.2:3b"]
	assert.Equal(t, 1, r.PassedTests)
	assert.Equal(t, "coding", r.Tests[0].Category)
	assert.Contains(t, r.Tests[0].Response, "stub answer from llama3.2:3b")

	out, err = run(t, "bench", "llama3.2:3b", "--category", "math")
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL")
	assert.Contains(t, out, "llama3.2:3b")

	_, err = run(t, "bench", "llama3.2:3b", "--category", "astrology")
	assert.ErrorContains(t, err, "no benchmark prompts match")
}

// =============================================================================
// CHAT LOOP
// =============================================================================

func TestChatLoop(t *testing.T) {
	stub := newOllamaStub(t)
	cfg := testHome(t, stub.URL)
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	app, err := newApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.Refresh(context.Background()))

	var out bytes.Buffer
	c := &chat{sessions: app.Sessions, out: &out}
	err = c.run(context.Background(), &scriptedInput{lines: []string{
		"debug this function",
		"",
		"/memory",
		"/model llama3.2:3b",
		"/model",
		"debug this function again",
		"/status",
		"/bogus",
		"/model auto",
		"/clear",
		"/quit",
		"never reached",
	}})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "stub answer from")
	assert.Contains(t, text, "Entries")
	assert.Contains(t, text, "Pinned to")
	assert.Contains(t, text, "stub answer from llama3.2:3b")
	assert.Contains(t, text, "+memory")
	assert.Contains(t, text, "Turns")
	assert.Contains(t, text, "unknown command /bogus")
	assert.Contains(t, text, "Routing enabled")
	assert.Contains(t, text, "Started a new session")
	assert.Equal(t, 0, app.Sessions.Len(), "sessions end with the loop")

	sessions, err := app.Store.Sessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 4, sessions[0].TurnCount)

	app.Close()
}

func TestChatLoopEOF(t *testing.T) {
	stub := newOllamaStub(t)
	cfg := testHome(t, stub.URL)
	cfg.Storage.Enabled = false
	cfg.Memory.Enabled = false
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	app, err := newApp(cfg)
	require.NoError(t, err)
	defer app.Close()

	var out bytes.Buffer
	c := &chat{sessions: app.Sessions, out: &out}
	require.NoError(t, c.run(context.Background(), &scriptedInput{lines: []string{"/memory"}}))
	assert.Contains(t, out.String(), "Memory is disabled.")
}

// =============================================================================
// WIRING
// =============================================================================

func TestNewAppWithoutAPIKeyUsesLocalRouter(t *testing.T) {
	stub := newOllamaStub(t)
	cfg := testHome(t, stub.URL)
	cfg.Meta.Enabled = true
	cfg.Storage.Enabled = false
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	app, err := newApp(cfg)
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.Meta)
	assert.Nil(t, app.Store)
	_, ok := app.Answerer().(session.Local)
	assert.True(t, ok)
}

func TestNewAppWithAPIKeyEnablesMetaRouter(t *testing.T) {
	stub := newOllamaStub(t)
	cfg := testHome(t, stub.URL)
	cfg.Meta.Enabled = true
	cfg.Meta.APIKey = "sk-test"
	cfg.Storage.Enabled = false
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	app, err := newApp(cfg)
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.Meta)
	assert.Same(t, app.Meta, app.Answerer())
}

func TestRouteLine(t *testing.T) {
	line := routeLine(router.Response{
		Model:               "qwen2.5-coder:7b",
		RoutingMethod:       router.MethodLocal,
		ResponseTimeMs:      42,
		SpecializationsUsed: []string{"coding"},
		RetriedWith:         "llama3.2:3b",
	})
	assert.Contains(t, line, "qwen2.5-coder:7b")
	assert.Contains(t, line, "42ms")
	assert.Contains(t, line, "coding")
	assert.Contains(t, line, "retried with llama3.2:3b")
}

func TestRenderMarkdownWithoutRenderer(t *testing.T) {
	assert.Equal(t, "**plain**", renderMarkdown(nil, "**plain**"))
}
