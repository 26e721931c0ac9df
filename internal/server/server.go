// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/metarouter"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/session"
	"github.com/jeranaias/modelmux/internal/telemetry"
)

//go:embed static
var staticFiles embed.FS

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxQueryLength is the maximum length for a query.
	MaxQueryLength = 100000

	// MaxMessageCount is the maximum number of messages in a completion request.
	MaxMessageCount = 100

	// MaxRequestBodySize bounds request bodies and websocket frames (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// DefaultRecommendations is the recommendation count when no limit is given.
	DefaultRecommendations = 5

	// Version is the server version.
	Version = "0.3.0"
)

// ============================================================================
// DEPENDENCIES
// ============================================================================

// Engine is the slice of the inference client the server probes for health.
type Engine interface {
	CheckRunning(ctx context.Context) error
	LocalModelNames(ctx context.Context) ([]string, error)
}

// Refresher triggers a synchronous registry refresh.
type Refresher interface {
	RefreshNow(ctx context.Context) error
}

// Deps are the components the server exposes. Meta, Engine and Refresher
// may be nil.
type Deps struct {
	Local     *router.LocalRouter
	Meta      *metarouter.MetaRouter
	Sessions  *session.Manager
	Answerer  session.Answerer
	Engine    Engine
	Refresher Refresher
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the web chat and status API server.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux

	limiter *RateLimiter
	started time.Time
	now     func() time.Time

	mu     sync.RWMutex
	server *http.Server
}

// New creates a Server. deps.Local and deps.Sessions are required.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Answerer == nil {
		if deps.Meta != nil {
			deps.Answerer = deps.Meta
		} else {
			deps.Answerer = session.Local{Router: deps.Local}
		}
	}
	if deps.Refresher == nil {
		deps.Refresher = registryRefresher{deps.Local.Registry()}
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		mux:     http.NewServeMux(),
		started: time.Now(),
		now:     time.Now,
	}
	if cfg.Server.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	s.setupRoutes()
	return s
}

type registryRefresher struct{ reg *registry.Registry }

func (r registryRefresher) RefreshNow(ctx context.Context) error { return r.reg.Refresh(ctx) }

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(fmt.Sprintf("embedded static files: %v", err))
	}
	s.mux.Handle("GET /", http.FileServer(http.FS(static)))
	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("GET /api/recommendations", s.handleRecommendations)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/memory", s.handleMemory)

	// OpenAI-compatible endpoints
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /v1/models", s.handleOpenAIModels)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	chain := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
	}
	if s.limiter != nil {
		chain = append(chain, RateLimitMiddleware(s.limiter))
	}
	return Chain(chain...)(s.mux)
}

// ApplyConfig re-applies the settings that can change while serving.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.deps.Local.SetWeights(cfg.Weights)
	log.Printf("SERVER_CONFIG_APPLIED | weights=%d", len(cfg.Weights))
}

// ============================================================================
// STATUS HANDLERS
// ============================================================================

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	router.Stats
	LastRefresh    time.Time                 `json:"last_refresh"`
	Routing        telemetry.CounterSnapshot `json:"routing"`
	MetaRouter     *metarouter.Stats         `json:"meta_router,omitempty"`
	ActiveSessions int                       `json:"active_sessions"`
	UptimeSeconds  int64                     `json:"uptime_seconds"`
}

func (s *Server) stats() StatsResponse {
	st := StatsResponse{
		Stats:          s.deps.Local.Stats(),
		LastRefresh:    s.deps.Local.Registry().Stats().LastRefresh,
		Routing:        s.deps.Local.Counters().Snapshot(),
		ActiveSessions: s.deps.Sessions.Len(),
		UptimeSeconds:  int64(s.now().Sub(s.started).Seconds()),
	}
	if s.deps.Meta != nil {
		ms := s.deps.Meta.Stats()
		st.MetaRouter = &ms
	}
	return st
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

// handleModels handles GET /api/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.deps.Local.Registry().Snapshot().Models(),
		"stats":  s.stats(),
	})
}

// handleRecommendations handles GET /api/recommendations?limit=N.
func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRecommendations
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recommendations": s.deps.Local.Registry().Recommendations(limit),
	})
}

// handleRefresh handles POST /api/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Refresher.RefreshNow(r.Context()); err != nil {
		log.Printf("REGISTRY_REFRESH_FAILED | client_ip=%s error=%v", GetClientIP(r), err)
		writeAPIError(w, http.StatusBadGateway, "Failed to refresh: "+err.Error())
		return
	}
	log.Printf("REGISTRY_REFRESH | client_ip=%s", GetClientIP(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Model registry refreshed successfully",
		"stats":   s.stats(),
	})
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status            string    `json:"status"`
	Version           string    `json:"version"`
	OllamaStatus      string    `json:"ollama_status"`
	LocalModels       int       `json:"local_models"`
	RouterInitialized bool      `json:"router_initialized"`
	MetaRouter        bool      `json:"meta_router_enabled"`
	Timestamp         time.Time `json:"timestamp"`
}

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:            "healthy",
		Version:           Version,
		OllamaStatus:      "not_configured",
		RouterInitialized: s.deps.Local.Registry().Snapshot().Len() > 0,
		MetaRouter:        s.deps.Meta != nil,
		Timestamp:         s.now(),
	}
	if !health.RouterInitialized {
		health.Status = "initializing"
	}

	if s.deps.Engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if names, err := s.deps.Engine.LocalModelNames(ctx); err == nil {
			health.OllamaStatus = "connected"
			health.LocalModels = len(names)
		} else {
			health.OllamaStatus = "disconnected"
			health.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

// MemoryResponse is the body of GET /api/memory.
type MemoryResponse struct {
	Enabled        bool   `json:"enabled"`
	TokenLimit     int    `json:"token_limit"`
	MaxEntries     int    `json:"max_entries"`
	KeepRecent     int    `json:"keep_recent"`
	Backend        string `json:"long_term_storage"`
	Embedder       string `json:"embedder"`
	Summarizer     string `json:"summarizer"`
	ActiveSessions int    `json:"active_sessions"`
}

// handleMemory handles GET /api/memory. Memory is per connection, so this
// reports configuration only.
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	mc := s.cfg.Memory
	writeJSON(w, http.StatusOK, MemoryResponse{
		Enabled:        mc.Enabled,
		TokenLimit:     mc.TokenLimit,
		MaxEntries:     mc.MaxEntries,
		KeepRecent:     mc.KeepRecent,
		Backend:        mc.Backend,
		Embedder:       mc.Embedder,
		Summarizer:     s.cfg.Summarizer.Provider,
		ActiveSessions: s.deps.Sessions.Len(),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ServerAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ServerAddr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.deps.Sessions.Start()
	log.Printf("SERVER_START | addr=%s version=%s meta=%t", ln.Addr(), Version, s.deps.Meta != nil)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, waits for handlers and ends all
// sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	log.Printf("SERVER_SHUTDOWN | sessions=%d", s.deps.Sessions.Len())
	err := srv.Shutdown(ctx)
	s.deps.Sessions.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return err
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("RESPONSE_ENCODE_FAILED | error=%v", err)
	}
}

// writeAPIError writes the {"error": message} body used by /api routes.
func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
