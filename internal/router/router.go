// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/ollama"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/telemetry"
	"github.com/jeranaias/modelmux/internal/util"
)

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrUnroutable is returned when the registry is empty and none of the
	// fallback models could be activated.
	ErrUnroutable = errors.New("router: no model available for query")

	// ErrInferenceFailed is returned when both the chosen model and the
	// safe retry model failed.
	ErrInferenceFailed = errors.New("router: inference failed")
)

// ============================================================================
// COLLABORATORS
// ============================================================================

// Inference is the model runtime the router drives.
type Inference interface {
	Generate(ctx context.Context, model, prompt string, opts *ollama.Options) (*ollama.GenerateResponse, error)
	Pull(ctx context.Context, model string) error
}

// ============================================================================
// LOCAL ROUTER
// ============================================================================

// LocalRouter picks a model with the keyword classifier and scoring engine
// and runs the generation. It holds no per-session state. The scorer is
// replaced whole on weight changes and each call loads it once.
type LocalRouter struct {
	reg      *registry.Registry
	engine   Inference
	scorer   atomic.Pointer[Scorer]
	cfg      config.RoutingConfig
	tracker  *PerformanceTracker
	counters *telemetry.Counters

	now func() time.Time
}

// Option configures a LocalRouter.
type Option func(*LocalRouter)

// WithSink persists performance entries to sink.
func WithSink(sink Sink) Option {
	return func(r *LocalRouter) {
		r.tracker = NewPerformanceTracker(r.cfg.HistoryLimit, r.cfg.PersistEvery, sink)
	}
}

// WithCounters records every routed query in c.
func WithCounters(c *telemetry.Counters) Option {
	return func(r *LocalRouter) { r.counters = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *LocalRouter) { r.now = now }
}

// New creates a local router over reg.
func New(reg *registry.Registry, engine Inference, cfg *config.Config, opts ...Option) *LocalRouter {
	r := &LocalRouter{
		reg:    reg,
		engine: engine,
		cfg:    cfg.Routing,
		now:    time.Now,
	}
	sc := NewScorer(cfg)
	r.scorer.Store(&sc)
	r.tracker = NewPerformanceTracker(r.cfg.HistoryLimit, r.cfg.PersistEvery, nil)
	for _, opt := range opts {
		opt(r)
	}
	if r.counters == nil {
		r.counters = &telemetry.Counters{}
	}
	return r
}

// Registry returns the registry the router scores against.
func (r *LocalRouter) Registry() *registry.Registry { return r.reg }

// Tracker returns the performance tracker.
func (r *LocalRouter) Tracker() *PerformanceTracker { return r.tracker }

// Counters returns the routing counters.
func (r *LocalRouter) Counters() *telemetry.Counters { return r.counters }

// SetWeights replaces the specialization weights, e.g. after a config
// reload. Calls in flight keep scoring with the weights they started with.
func (r *LocalRouter) SetWeights(w map[string]float64) {
	if len(w) == 0 {
		w = config.DefaultWeights()
	}
	cp := make(map[string]float64, len(w))
	for k, v := range w {
		cp[k] = v
	}
	next := *r.scorer.Load()
	next.Weights = cp
	r.scorer.Store(&next)
}

// Weights returns a copy of the current specialization weights.
func (r *LocalRouter) Weights() map[string]float64 {
	cur := r.scorer.Load().Weights
	cp := make(map[string]float64, len(cur))
	for k, v := range cur {
		cp[k] = v
	}
	return cp
}

// GenerateOptions returns the fixed sampling options.
func (r *LocalRouter) GenerateOptions() *ollama.Options {
	return &ollama.Options{
		Temperature: r.cfg.Temperature,
		TopK:        r.cfg.TopK,
		TopP:        r.cfg.TopP,
		NumPredict:  r.cfg.NumPredict,
	}
}

// Select classifies the query, scores the registry and returns the full
// name of the winner. A non-local winner is pulled first when auto-pull is
// enabled; a failed pull is logged and the winner is still returned.
func (r *LocalRouter) Select(ctx context.Context, query string, hints Hints) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "router.select")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	snap := r.reg.Snapshot()
	if snap.Len() == 0 {
		var model string
		model, err = r.activateFallback(ctx)
		return model, err
	}

	tags := Classify(query)
	ranked := r.scorer.Load().Rank(snap, tags, hints)
	winner := ranked[0].Model
	span.SetAttributes(
		attribute.String("model", winner.FullName),
		attribute.StringSlice("tags", tags),
		attribute.Float64("score", ranked[0].Score),
	)

	if !winner.Local && r.cfg.AutoPull {
		r.pull(ctx, winner.FullName)
	}

	log.Printf("ROUTE_SELECT | model=%s tags=%s score=%.2f query=%q",
		winner.FullName, strings.Join(tags, ","), ranked[0].Score, util.Preview(query, 60))
	return winner.FullName, nil
}

// Route produces a local RoutingDecision without generating. Confidence is
// derived from the margin between the winner and the runner-up.
func (r *LocalRouter) Route(ctx context.Context, query string, hints Hints) (*RoutingDecision, error) {
	tags := Classify(query)
	d := &RoutingDecision{
		Confidence:      1.0,
		QueryType:       tags[0],
		Complexity:      ClassifyComplexity(query),
		Specializations: tags,
		Method:          MethodLocal,
		CreatedAt:       r.now(),
	}

	snap := r.reg.Snapshot()
	if snap.Len() == 0 {
		model, err := r.activateFallback(ctx)
		if err != nil {
			return nil, err
		}
		d.Model = model
		d.Confidence = 0.5
		d.Reasoning = "Registry empty; activated fallback model"
		return d, nil
	}

	ranked := r.scorer.Load().Rank(snap, tags, hints)
	winner := ranked[0]
	d.Model = winner.Model.FullName
	d.DownloadNeeded = !winner.Model.Local
	if len(ranked) > 1 && winner.Score > 0 {
		margin := (winner.Score - ranked[1].Score) / winner.Score
		d.Confidence = math.Min(1, 0.5+margin)
	}
	for _, alt := range ranked[1:] {
		if len(d.Alternatives) == 2 {
			break
		}
		d.Alternatives = append(d.Alternatives, alt.Model.FullName)
	}
	d.Reasoning = fmt.Sprintf("Keyword routing: %s matched %s (score %.1f)",
		strings.Join(tags, ", "), winner.Model.FullName, winner.Score)
	return d, nil
}

// Query routes and generates. With opts.Model set, selection is skipped.
// Selection classifies opts.RoutingText(query); query is what is generated.
func (r *LocalRouter) Query(ctx context.Context, query string, opts QueryOptions) (*Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "router.query")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	start := r.now()
	model := opts.Model
	if model == "" {
		model, err = r.Select(ctx, opts.RoutingText(query), opts.Hints)
		if err != nil {
			r.counters.RecordError()
			return nil, err
		}
	}

	var gen Generation
	gen, err = r.Generate(ctx, model, query)
	if err != nil {
		r.counters.RecordError()
		return nil, err
	}
	elapsed := r.now().Sub(start)

	resp := r.Finish(query, gen, start, elapsed, MethodLocal)
	span.SetAttributes(attribute.String("model", resp.Model), attribute.Int64("response_time_ms", resp.ResponseTimeMs))
	return resp, nil
}

// Finish records a completed generation and builds the Response.
func (r *LocalRouter) Finish(query string, gen Generation, start time.Time, elapsed time.Duration, method Method) *Response {
	r.tracker.Record(NewPerformanceEntry(start, gen.Model, len(query), len(gen.Text), elapsed))
	r.counters.RecordQuery(string(method), gen.Model, gen.RetriedWith != "")

	return &Response{
		Response:            gen.Text,
		Model:               gen.Model,
		ResponseTimeMs:      elapsed.Milliseconds(),
		Timestamp:           r.now(),
		SpecializationsUsed: r.specializationsOf(gen.Model),
		RoutingMethod:       method,
		RetriedWith:         gen.RetriedWith,
	}
}

// Generate calls the inference engine. On failure it retries exactly once
// with the safe model, unless model already is the safe model.
func (r *LocalRouter) Generate(ctx context.Context, model, prompt string) (Generation, error) {
	resp, err := r.engine.Generate(ctx, model, prompt, r.GenerateOptions())
	if err == nil {
		return Generation{Text: resp.Response, Model: model}, nil
	}

	safe := r.cfg.SafeModel
	if safe == "" || ollama.CanonicalName(safe) == ollama.CanonicalName(model) {
		return Generation{}, fmt.Errorf("%w: %s: %w", ErrInferenceFailed, model, err)
	}
	if ctx.Err() != nil {
		return Generation{}, fmt.Errorf("%w: %s: %w", ErrInferenceFailed, model, ctx.Err())
	}

	log.Printf("ROUTE_RETRY | failed=%s retry=%s error=%v", model, safe, err)
	resp, retryErr := r.engine.Generate(ctx, safe, prompt, r.GenerateOptions())
	if retryErr != nil {
		return Generation{}, fmt.Errorf("%w: %s (%v), retry with %s: %w",
			ErrInferenceFailed, model, err, safe, retryErr)
	}
	return Generation{Text: resp.Response, Model: safe, RetriedWith: safe}, nil
}

// EnsureLocal pulls model if the registry marks it as not installed.
func (r *LocalRouter) EnsureLocal(ctx context.Context, model string) error {
	d, ok := r.reg.Snapshot().Lookup(model)
	if ok && d.Local {
		return nil
	}
	if err := r.engine.Pull(ctx, model); err != nil {
		return fmt.Errorf("pull %s: %w", model, err)
	}
	r.reg.MarkLocal(model)
	return nil
}

// Stats is the router's view for status endpoints.
type Stats struct {
	TotalModels         int     `json:"total_models_available"`
	LocalModels         int     `json:"local_models"`
	DownloadableModels  int     `json:"downloadable_models"`
	QueriesProcessed    int     `json:"queries_processed"`
	AverageResponseTime float64 `json:"average_response_time"`
}

// Stats reports registry counts and tracked query performance.
func (r *LocalRouter) Stats() Stats {
	rs := r.reg.Stats()
	return Stats{
		TotalModels:         rs.TotalModels,
		LocalModels:         rs.LocalModels,
		DownloadableModels:  rs.DownloadableModels,
		QueriesProcessed:    r.tracker.Len(),
		AverageResponseTime: r.tracker.AverageResponseTime(),
	}
}

func (r *LocalRouter) pull(ctx context.Context, model string) {
	log.Printf("ROUTE_PULL | model=%s", model)
	if err := r.engine.Pull(ctx, model); err != nil {
		log.Printf("ROUTE_PULL_FAILED | model=%s error=%v", model, err)
		return
	}
	r.reg.MarkLocal(model)
}

// activateFallback tries each configured fallback model in order.
func (r *LocalRouter) activateFallback(ctx context.Context) (string, error) {
	for _, model := range r.cfg.FallbackModels {
		if err := r.engine.Pull(ctx, model); err != nil {
			log.Printf("ROUTE_FALLBACK_FAILED | model=%s error=%v", model, err)
			continue
		}
		log.Printf("ROUTE_FALLBACK | model=%s", model)
		return model, nil
	}
	return "", ErrUnroutable
}

// specializationsOf looks up tags for a model by base name.
func (r *LocalRouter) specializationsOf(model string) []string {
	d, ok := r.reg.Snapshot().Lookup(registry.BaseName(model))
	if !ok {
		return []string{}
	}
	return append([]string(nil), d.Specializations...)
}
