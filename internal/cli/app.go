// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"log"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/embed"
	"github.com/jeranaias/modelmux/internal/memory"
	"github.com/jeranaias/modelmux/internal/memory/vectorstore"
	"github.com/jeranaias/modelmux/internal/metarouter"
	"github.com/jeranaias/modelmux/internal/ollama"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/session"
	"github.com/jeranaias/modelmux/internal/storage"
	"github.com/jeranaias/modelmux/internal/telemetry"
	"github.com/jeranaias/modelmux/internal/util"
)

// App is the wired component graph shared by every command.
type App struct {
	Config   *config.Config
	Ollama   *ollama.Client
	Catalog  *registry.Catalog
	Registry *registry.Registry
	Local    *router.LocalRouter
	// Meta is nil when the meta-router is disabled or has no API key.
	Meta *metarouter.MetaRouter
	// Store is nil when storage is disabled or failed to open.
	Store    *storage.Store
	Counters *telemetry.Counters
	Sessions *session.Manager
}

// newApp wires the components described by cfg. Optional parts (storage,
// the meta-router) degrade with a log line instead of failing.
func newApp(cfg *config.Config) (*App, error) {
	a := &App{
		Config:   cfg,
		Counters: &telemetry.Counters{},
	}

	a.Ollama = ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:        cfg.Ollama.URL,
		Timeout:        cfg.OllamaTimeout(),
		PullTimeout:    cfg.PullTimeout(),
		EmbeddingModel: cfg.Ollama.EmbeddingModel,
	})

	a.Catalog = registry.NewCatalog(cfg.Discovery)
	policy := registry.DefaultTagPolicy()
	if len(cfg.Routing.PreferredTags) > 0 {
		policy.Preferred = cfg.Routing.PreferredTags
	}
	if len(cfg.Routing.AvoidTags) > 0 {
		policy.Avoid = cfg.Routing.AvoidTags
	}
	a.Registry = registry.New(a.Catalog, a.Ollama, policy)

	opts := []router.Option{router.WithCounters(a.Counters)}
	if cfg.Storage.Enabled {
		store, err := storage.Open(util.ExpandHome(cfg.Storage.Path))
		if err != nil {
			log.Printf("STORAGE_DISABLED | path=%s error=%v", cfg.Storage.Path, err)
		} else {
			a.Store = store
			opts = append(opts, router.WithSink(store))
		}
	}
	a.Local = router.New(a.Registry, a.Ollama, cfg, opts...)

	if cfg.Meta.Enabled {
		oracle, err := metarouter.NewOpenAIOracle(cfg.Meta, nil)
		if err != nil {
			log.Printf("META_ROUTER_DISABLED | reason=%v", err)
		} else {
			meta, err := metarouter.New(a.Local, oracle, cfg)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to create meta-router: %w", err)
			}
			a.Meta = meta
		}
	}

	var turns session.TurnLog
	if a.Store != nil {
		turns = a.Store
	}
	var factory session.MemoryFactory
	if cfg.Memory.Enabled {
		factory = a.newMemory
	}
	a.Sessions = session.NewManager(session.DefaultConfig(), a.Answerer(), factory, turns)
	return a, nil
}

// Answerer returns the meta-router when enabled, otherwise the local router.
func (a *App) Answerer() session.Answerer {
	if a.Meta != nil {
		return a.Meta
	}
	return session.Local{Router: a.Local}
}

// Route returns a routing decision from the active router.
func (a *App) Route(ctx context.Context, query string) (*router.RoutingDecision, error) {
	if a.Meta != nil {
		return a.Meta.Route(ctx, query, router.Hints{})
	}
	return a.Local.Route(ctx, query, router.Hints{})
}

// newMemory builds the hybrid memory for one session.
func (a *App) newMemory(sessionID string) (*memory.System, error) {
	store, err := vectorstore.Open(a.Config.Memory, sessionID)
	if err != nil {
		return nil, err
	}
	emb := embed.New(a.Config.Memory, a.Config.Ollama, a.Ollama)
	sum := memory.NewSummarizer(a.Config.Summarizer, a.Ollama)
	return memory.New(a.Config.Memory, emb, store, sum), nil
}

// Refresh rebuilds the registry once. A failure is logged; routing continues
// with whatever snapshot exists.
func (a *App) Refresh(ctx context.Context) error {
	if err := a.Registry.Refresh(ctx); err != nil {
		log.Printf("REGISTRY_REFRESH_FAILED | error=%v", err)
		return err
	}
	return nil
}

// Close flushes and releases everything newApp opened.
func (a *App) Close() {
	if a.Sessions != nil {
		a.Sessions.Stop()
	}
	if a.Local != nil {
		a.Local.Tracker().Flush(context.Background())
	}
	if a.Meta != nil {
		a.Meta.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Printf("STORAGE_CLOSE_FAILED | error=%v", err)
		}
	}
}
