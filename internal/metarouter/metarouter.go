// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metarouter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/telemetry"
	"github.com/jeranaias/modelmux/internal/util"
)

// fallbackReasoning is the reasoning attached to local fallback decisions.
const fallbackReasoning = "Local intelligent routing fallback"

var errRateLimited = errors.New("oracle request ceiling reached")

// MetaRouter asks an oracle model for routing decisions and falls back to
// the local router whenever the oracle cannot answer in time.
type MetaRouter struct {
	local   *router.LocalRouter
	oracle  Oracle
	cache   *Cache
	limiter *rate.Limiter
	group   singleflight.Group

	translate bool
	timeout   time.Duration
	now       func() time.Time

	total     atomic.Int64
	oracleHit atomic.Int64
	fallbacks atomic.Int64
}

// Option configures a MetaRouter.
type Option func(*MetaRouter)

// WithClock overrides time.Now for decisions and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(m *MetaRouter) { m.now = now }
}

// WithTimeout overrides the oracle wait.
func WithTimeout(d time.Duration) Option {
	return func(m *MetaRouter) { m.timeout = d }
}

// New wraps local. oracle may be nil, in which case every decision is a
// local fallback.
func New(local *router.LocalRouter, oracle Oracle, cfg *config.Config, opts ...Option) (*MetaRouter, error) {
	m := &MetaRouter{
		local:     local,
		oracle:    oracle,
		translate: cfg.Meta.Translate,
		timeout:   cfg.MetaTimeout(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.Meta.CacheEnabled {
		cache, err := NewCache(cfg.MetaCacheTTL(), 10000, m.now)
		if err != nil {
			return nil, err
		}
		m.cache = cache
	}
	if n := cfg.Meta.MaxRequestsPerHour; n > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(float64(n)/3600), n)
	}
	return m, nil
}

// Local returns the wrapped local router.
func (m *MetaRouter) Local() *router.LocalRouter { return m.local }

// Close releases the decision cache.
func (m *MetaRouter) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

// Route returns a routing decision for query. It never fails because of the
// oracle; the only error is router.ErrUnroutable from the local fallback.
func (m *MetaRouter) Route(ctx context.Context, query string, hints router.Hints) (*router.RoutingDecision, error) {
	ctx, span := telemetry.StartSpan(ctx, "metarouter.route")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	m.total.Add(1)

	if m.cache != nil {
		// A refresh may have dropped the cached model.
		snap := m.local.Registry().Snapshot()
		inRegistry := func(d *router.RoutingDecision) bool { return snap.Contains(d.Model) }
		if d, ok := m.cache.Get(query, inRegistry); ok {
			log.Printf("META_CACHE_HIT | model=%s", d.Model)
			span.SetAttributes(attribute.Bool("cache_hit", true), attribute.String("model", d.Model))
			return d, nil
		}
	}

	var d *router.RoutingDecision
	d, err = m.consultWithDeadline(ctx, query)
	if err != nil {
		log.Printf("META_FALLBACK | reason=%v query=%q", err, util.Preview(query, 60))
		d, err = m.fallback(ctx, query, hints)
		if d != nil {
			span.SetAttributes(attribute.String("model", d.Model), attribute.String("method", string(d.Method)))
		}
		return d, err
	}

	m.oracleHit.Add(1)
	if m.cache != nil {
		m.cache.Set(query, d)
	}
	log.Printf("META_ROUTE | model=%s confidence=%.2f substituted=%t enhanced=%t",
		d.Model, d.Confidence, d.Substituted, d.Enhanced())
	span.SetAttributes(attribute.String("model", d.Model), attribute.String("method", string(d.Method)))
	return d, nil
}

// RouteAsync starts an oracle consultation. The call runs on its own
// context bounded by the router timeout, detached from ctx cancellation.
// Identical in-flight queries share one oracle call.
func (m *MetaRouter) RouteAsync(ctx context.Context, query string) *Future[*router.RoutingDecision] {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	return Async(callCtx, func(ctx context.Context) (*router.RoutingDecision, error) {
		defer cancel()
		v, err, _ := m.group.Do(query, func() (any, error) {
			return m.consult(ctx, query)
		})
		if err != nil {
			return nil, err
		}
		return v.(*router.RoutingDecision), nil
	})
}

// consultWithDeadline bridges the asynchronous oracle call to a blocking
// result, giving up after the router timeout.
func (m *MetaRouter) consultWithDeadline(ctx context.Context, query string) (*router.RoutingDecision, error) {
	if m.oracle == nil {
		return nil, fmt.Errorf("%w: not configured", ErrOracleUnavailable)
	}
	if m.limiter != nil && !m.limiter.Allow() {
		return nil, errRateLimited
	}
	d, err := m.RouteAsync(ctx, query).Await(ctx, m.timeout)
	if err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

// consult performs the translation and routing calls.
func (m *MetaRouter) consult(ctx context.Context, query string) (*router.RoutingDecision, error) {
	snap := m.local.Registry().Snapshot()
	if snap.Len() == 0 {
		return nil, registry.ErrEmptyRegistry
	}

	var tr *router.Translation
	routingQuery := query
	if m.translate {
		tr = m.detectLanguage(ctx, query)
		if tr != nil && tr.Applied && tr.EnglishQuery != "" {
			routingQuery = tr.EnglishQuery
		}
	}
	instruction := ""
	if tr != nil {
		instruction = tr.ResponseInstruction
	}

	raw, err := m.oracle.Complete(ctx, OracleRequest{
		System:      routerSystemPrompt,
		Prompt:      buildRoutingPrompt(snap.Models(), routingQuery, instruction),
		Temperature: routeTemperature,
		MaxTokens:   routeMaxTokens,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}
	od, err := parseDecision(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	return validate(od, snap, query, tr, m.oracle.Name(), m.now())
}

// detectLanguage asks the oracle for the query language. Failure is not an
// error; the query is routed untranslated.
func (m *MetaRouter) detectLanguage(ctx context.Context, query string) *router.Translation {
	raw, err := m.oracle.Complete(ctx, OracleRequest{
		Prompt:      buildTranslationPrompt(query),
		Temperature: translateTemperature,
		MaxTokens:   translateMaxTokens,
		JSON:        true,
	})
	if err != nil {
		log.Printf("META_TRANSLATE_FAILED | error=%v", err)
		return nil
	}
	tr, err := parseTranslation(raw, query)
	if err != nil {
		log.Printf("META_TRANSLATE_FAILED | error=%v", err)
		return nil
	}
	if tr.Applied {
		log.Printf("META_TRANSLATE | language=%s confidence=%.2f", tr.LanguageName, tr.Confidence)
	}
	return tr
}

// fallback wraps the local router's decision.
func (m *MetaRouter) fallback(ctx context.Context, query string, hints router.Hints) (*router.RoutingDecision, error) {
	m.fallbacks.Add(1)
	d, err := m.local.Route(ctx, query, hints)
	if err != nil {
		return nil, err
	}
	d.Confidence = 0.7
	d.Reasoning = fallbackReasoning
	d.QueryType = router.TagGeneral
	d.Complexity = router.ComplexityModerate
	d.Method = router.MethodFallback
	return d, nil
}

// ============================================================================
// QUERY
// ============================================================================

// Result is a generated answer together with the decision that routed it.
type Result struct {
	router.Response
	Decision       *router.RoutingDecision `json:"routing_decision,omitempty"`
	QueryEnhanced  bool                    `json:"query_enhanced"`
	OriginalQuery  string                  `json:"original_query,omitempty"`
	OptimizedQuery string                  `json:"optimized_query,omitempty"`
}

// Query routes and generates. With opts.Model set, routing is skipped.
// Routing and the decision cache see opts.RoutingText(query) only.
func (m *MetaRouter) Query(ctx context.Context, query string, opts router.QueryOptions) (*Result, error) {
	if opts.Model != "" {
		resp, err := m.local.Query(ctx, query, opts)
		if err != nil {
			return nil, err
		}
		return &Result{Response: *resp}, nil
	}

	start := m.now()
	routed := opts.RoutingText(query)
	d, err := m.Route(ctx, routed, opts.Hints)
	if err != nil {
		m.local.Counters().RecordError()
		return nil, err
	}

	if d.DownloadNeeded {
		if perr := m.local.EnsureLocal(ctx, d.Model); perr != nil {
			log.Printf("META_PULL_FAILED | model=%s error=%v", d.Model, perr)
			if d.Method == router.MethodMeta {
				if d, err = m.fallback(ctx, routed, opts.Hints); err != nil {
					m.local.Counters().RecordError()
					return nil, err
				}
			}
		}
	}

	gen, err := m.local.Generate(ctx, d.Model, contextualPrompt(query, routed, d))
	if err != nil {
		m.local.Counters().RecordError()
		return nil, err
	}
	resp := m.local.Finish(query, gen, start, m.now().Sub(start), d.Method)

	res := &Result{Response: *resp, Decision: d}
	if d.Enhanced() {
		res.QueryEnhanced = true
		res.OriginalQuery = d.Rewrite.Original
		res.OptimizedQuery = d.Rewrite.Optimized
	}
	return res, nil
}

// ============================================================================
// STATS
// ============================================================================

// Stats summarizes routing activity.
type Stats struct {
	TotalDecisions  int64  `json:"total_routing_decisions"`
	OracleDecisions int64  `json:"openai_meta_decisions"`
	Fallbacks       int64  `json:"fallback_decisions"`
	CacheHitRate    string `json:"cache_hit_rate"`
	CacheSize       int    `json:"cache_size"`
	MetaModel       string `json:"meta_model"`
}

// Stats reports decision counts and cache effectiveness.
func (m *MetaRouter) Stats() Stats {
	st := Stats{
		TotalDecisions:  m.total.Load(),
		OracleDecisions: m.oracleHit.Load(),
		Fallbacks:       m.fallbacks.Load(),
		CacheHitRate:    "0.0%",
		MetaModel:       "Not available",
	}
	if m.cache != nil {
		st.CacheHitRate = fmt.Sprintf("%.1f%%", m.cache.HitRate()*100)
		st.CacheSize = m.cache.Len()
	}
	if m.oracle != nil {
		st.MetaModel = m.oracle.Name()
	}
	return st
}
