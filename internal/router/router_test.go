// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/ollama"
	"github.com/jeranaias/modelmux/internal/registry"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeEngine struct {
	mu        sync.Mutex
	genFail   map[string]error
	pullFail  map[string]error
	generated []string
	pulled    []string
	prompts   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{genFail: map[string]error{}, pullFail: map[string]error{}}
}

func (f *fakeEngine) Generate(ctx context.Context, model, prompt string, opts *ollama.Options) (*ollama.GenerateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, model)
	f.prompts = append(f.prompts, prompt)
	if err := f.genFail[model]; err != nil {
		return nil, err
	}
	return &ollama.GenerateResponse{Model: model, Response: "answer from " + model, Done: true}, nil
}

func (f *fakeEngine) Pull(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, model)
	return f.pullFail[model]
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]PerformanceEntry
	err     error
}

func (s *fakeSink) SavePerformance(ctx context.Context, entries []PerformanceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, entries)
	return nil
}

func newRegistry(models ...registry.ModelDescriptor) *registry.Registry {
	reg := registry.New(nil, nil, registry.DefaultTagPolicy())
	reg.Set(models)
	return reg
}

func model(name string, score float64, local bool, specs ...string) registry.ModelDescriptor {
	return registry.ModelDescriptor{
		Name:             name,
		Tag:              "latest",
		FullName:         name,
		Specializations:  specs,
		PerformanceScore: score,
		SizeGB:           4,
		Local:            local,
	}
}

// ============================================================================
// SCORING
// ============================================================================

func TestCodingModelBeatsHigherGeneralModel(t *testing.T) {
	reg := newRegistry(
		model("A", 90, true, "coding"),
		model("B", 95, true, "general"),
	)
	r := New(reg, newFakeEngine(), config.Default())

	got, err := r.Select(context.Background(), "debug this function", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "A", got)
}

func TestScoreMonotonicInPerformance(t *testing.T) {
	s := DefaultScorer()
	newest := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	tags := []string{TagCoding}

	prev := -1.0
	for score := 0.0; score <= 100; score += 5 {
		d := model("m", score, false, "coding")
		d.LastUpdated = newest.AddDate(0, -2, 0)
		got := s.Score(d, tags, Hints{}, newest)
		assert.GreaterOrEqual(t, got, prev, "score %v", score)
		prev = got
	}
}

func TestLocalScoresHigher(t *testing.T) {
	s := DefaultScorer()
	local := model("m", 80, true, "general")
	remote := model("m", 80, false, "general")
	tags := []string{TagGeneral}

	assert.Greater(t, s.Score(local, tags, Hints{}, time.Time{}), s.Score(remote, tags, Hints{}, time.Time{}))
}

func TestScoreFactors(t *testing.T) {
	s := DefaultScorer()
	newest := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		edit  func(*registry.ModelDescriptor)
		hints Hints
		want  float64
	}{
		{"sweet spot", func(d *registry.ModelDescriptor) {}, Hints{}, 100 * 1.2},
		{"small model", func(d *registry.ModelDescriptor) { d.SizeGB = 2 }, Hints{}, 100},
		{"large model", func(d *registry.ModelDescriptor) { d.SizeGB = 20 }, Hints{}, 100 * 0.7},
		{"between sweet spot and large", func(d *registry.ModelDescriptor) { d.SizeGB = 10 }, Hints{}, 100},
		{"stickiness", func(d *registry.ModelDescriptor) {}, Hints{PreviousModel: "m"}, 100 * 1.2 * 1.05},
		{"stickiness with latest suffix", func(d *registry.ModelDescriptor) {}, Hints{PreviousModel: "m:latest"}, 100 * 1.2 * 1.05},
		{"other previous model", func(d *registry.ModelDescriptor) {}, Hints{PreviousModel: "x"}, 100 * 1.2},
		{"recent month", func(d *registry.ModelDescriptor) { d.LastUpdated = newest.AddDate(0, 0, -10) }, Hints{}, 100 * 1.2 * 1.25},
		{"within quarter", func(d *registry.ModelDescriptor) { d.LastUpdated = newest.AddDate(0, 0, -60) }, Hints{}, 100 * 1.2 * 1.2},
		{"within half year", func(d *registry.ModelDescriptor) { d.LastUpdated = newest.AddDate(0, 0, -150) }, Hints{}, 100 * 1.2 * 1.15},
		{"within year", func(d *registry.ModelDescriptor) { d.LastUpdated = newest.AddDate(0, 0, -300) }, Hints{}, 100 * 1.2 * 1.05},
		{"just over a year", func(d *registry.ModelDescriptor) { d.LastUpdated = newest.AddDate(0, 0, -366) }, Hints{}, 100 * 1.2},
		{"within two years", func(d *registry.ModelDescriptor) { d.LastUpdated = newest.AddDate(0, 0, -500) }, Hints{}, 100 * 1.2},
		{"old", func(d *registry.ModelDescriptor) { d.LastUpdated = newest.AddDate(-3, 0, 0) }, Hints{}, 100 * 1.2},
		{"version 3.2", func(d *registry.ModelDescriptor) { d.Name = "llama3.2" }, Hints{}, 100 * 1.2 * 1.1},
		{"version 3.1", func(d *registry.ModelDescriptor) { d.Name = "llama3.1" }, Hints{}, 100 * 1.2 * 1.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := model("m", 100, false)
			tt.edit(&d)
			assert.InDelta(t, tt.want, s.Score(d, []string{TagGeneral}, tt.hints, newest), 1e-9)
		})
	}
}

func TestScoreAppliesEveryMatchedWeight(t *testing.T) {
	s := DefaultScorer()
	d := model("m", 100, false, "coding", "math")
	d.SizeGB = 10

	got := s.Score(d, []string{TagCoding, TagMath, TagCreative}, Hints{}, time.Time{})
	assert.InDelta(t, 100*1.5*1.3, got, 1e-9)
}

func TestTieBreakKeepsSnapshotOrder(t *testing.T) {
	reg := newRegistry(
		model("beta", 80, true, "general"),
		model("alpha", 80, true, "general"),
	)
	r := New(reg, newFakeEngine(), config.Default())

	for i := 0; i < 10; i++ {
		got, err := r.Select(context.Background(), "weather tomorrow", Hints{})
		require.NoError(t, err)
		assert.Equal(t, "alpha", got, "equal scores resolve by name")
	}
}

func TestSetWeightsChangesWinner(t *testing.T) {
	reg := newRegistry(
		model("A", 90, true, "coding"),
		model("B", 95, true, "general"),
	)
	r := New(reg, newFakeEngine(), config.Default())

	w := config.DefaultWeights()
	w[TagCoding] = 1.0
	r.SetWeights(w)

	got, err := r.Select(context.Background(), "debug this function", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "B", got)
	assert.Equal(t, 1.0, r.Weights()[TagCoding])

	w[TagCoding] = 9
	assert.Equal(t, 1.0, r.Weights()[TagCoding], "SetWeights copies its argument")

	r.SetWeights(nil)
	assert.Equal(t, config.DefaultWeights(), r.Weights())
}

// Run with -race: weight reloads must not race with routing.
func TestSetWeightsConcurrentWithSelect(t *testing.T) {
	reg := newRegistry(
		model("A", 90, true, "coding"),
		model("B", 95, true, "general"),
	)
	r := New(reg, newFakeEngine(), config.Default())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			w := config.DefaultWeights()
			w[TagCoding] = 1.0 + float64(i%2)
			r.SetWeights(w)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			got, err := r.Select(ctx, "debug this function", Hints{})
			assert.NoError(t, err)
			assert.Contains(t, []string{"A", "B"}, got)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := r.Route(ctx, "debug this function", Hints{})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
}

// ============================================================================
// SELECTION
// ============================================================================

func TestSelectPullsNonLocalWinner(t *testing.T) {
	reg := newRegistry(model("remote", 99, false, "general"))
	eng := newFakeEngine()
	r := New(reg, eng, config.Default())

	got, err := r.Select(context.Background(), "hello", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "remote", got)
	assert.Equal(t, []string{"remote"}, eng.pulled)

	d, _ := reg.Snapshot().Lookup("remote")
	assert.True(t, d.Local)
}

func TestSelectKeepsWinnerWhenPullFails(t *testing.T) {
	reg := newRegistry(model("remote", 99, false, "general"))
	eng := newFakeEngine()
	eng.pullFail["remote"] = errors.New("no network")
	r := New(reg, eng, config.Default())

	got, err := r.Select(context.Background(), "hello", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "remote", got)
}

func TestSelectNoAutoPull(t *testing.T) {
	cfg := config.Default()
	cfg.Routing.AutoPull = false
	eng := newFakeEngine()
	r := New(newRegistry(model("remote", 99, false)), eng, cfg)

	_, err := r.Select(context.Background(), "hello", Hints{})
	require.NoError(t, err)
	assert.Empty(t, eng.pulled)
}

func TestSelectEmptyRegistryActivatesFallback(t *testing.T) {
	eng := newFakeEngine()
	eng.pullFail["llama3.2:3b"] = errors.New("not found")
	r := New(newRegistry(), eng, config.Default())

	got, err := r.Select(context.Background(), "hello", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "gemma2:2b", got)
	assert.Equal(t, []string{"llama3.2:3b", "gemma2:2b"}, eng.pulled)
}

func TestSelectEmptyRegistryUnroutable(t *testing.T) {
	eng := newFakeEngine()
	for _, m := range config.Default().Routing.FallbackModels {
		eng.pullFail[m] = errors.New("offline")
	}
	r := New(newRegistry(), eng, config.Default())

	_, err := r.Select(context.Background(), "hello", Hints{})
	assert.ErrorIs(t, err, ErrUnroutable)

	_, err = r.Query(context.Background(), "hello", QueryOptions{})
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestRouteDecision(t *testing.T) {
	reg := newRegistry(
		model("coder", 90, true, "coding"),
		model("general", 95, true, "general"),
		model("writer", 70, false, "creative"),
		model("tiny", 50, true, "general"),
	)
	r := New(reg, newFakeEngine(), config.Default())

	d, err := r.Route(context.Background(), "implement a sql query", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "coder", d.Model)
	assert.Equal(t, MethodLocal, d.Method)
	assert.Equal(t, TagCoding, d.QueryType)
	assert.Len(t, d.Alternatives, 2)
	assert.NotContains(t, d.Alternatives, "coder")
	assert.GreaterOrEqual(t, d.Confidence, 0.5)
	assert.LessOrEqual(t, d.Confidence, 1.0)
	assert.False(t, d.DownloadNeeded)
	assert.True(t, reg.Snapshot().Contains(d.Model))
}

// ============================================================================
// QUERY AND RETRY
// ============================================================================

func TestQuery(t *testing.T) {
	reg := newRegistry(model("coder", 90, true, "coding", "debugging"))
	eng := newFakeEngine()
	r := New(reg, eng, config.Default())

	resp, err := r.Query(context.Background(), "debug the function", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "answer from coder", resp.Response)
	assert.Equal(t, "coder", resp.Model)
	assert.Equal(t, []string{"coding", "debugging"}, resp.SpecializationsUsed)
	assert.Equal(t, MethodLocal, resp.RoutingMethod)
	assert.Empty(t, resp.RetriedWith)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Equal(t, 1, r.Tracker().Len())
}

func TestQueryClassifiesRoutingQuery(t *testing.T) {
	reg := newRegistry(
		model("coder", 90, true, "coding"),
		model("talker", 90, true, "coding", "conversation"),
	)
	prompt := "Context from conversation history:\n[short_term] we wrote a parser...\n\nCurrent query: debug the function"
	require.Contains(t, Classify(prompt), TagConversation)

	eng := newFakeEngine()
	r := New(reg, eng, config.Default())
	resp, err := r.Query(context.Background(), prompt, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "talker", resp.Model, "the context header adds conversation")

	eng = newFakeEngine()
	r = New(reg, eng, config.Default())
	resp, err = r.Query(context.Background(), prompt, QueryOptions{RoutingQuery: "debug the function"})
	require.NoError(t, err)
	assert.Equal(t, "coder", resp.Model)
	assert.Equal(t, []string{prompt}, eng.prompts, "generation keeps the full prompt")
}

func TestQueryExplicitModelSkipsSelection(t *testing.T) {
	reg := newRegistry(model("qwen2.5", 90, true, "coding"))
	eng := newFakeEngine()
	r := New(reg, eng, config.Default())

	resp, err := r.Query(context.Background(), "hello", QueryOptions{Model: "qwen2.5:7b"})
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:7b", resp.Model)
	assert.Equal(t, []string{"coding"}, resp.SpecializationsUsed, "looked up by base name")
	assert.Empty(t, eng.pulled)
}

func TestQueryRetriesWithSafeModel(t *testing.T) {
	reg := newRegistry(model("flaky", 90, true))
	eng := newFakeEngine()
	eng.genFail["flaky"] = errors.New("model crashed")
	r := New(reg, eng, config.Default())

	resp, err := r.Query(context.Background(), "hello", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "llama3.2:3b", resp.Model)
	assert.Equal(t, "llama3.2:3b", resp.RetriedWith)
	assert.Equal(t, []string{"flaky", "llama3.2:3b"}, eng.generated)
	assert.Equal(t, int64(1), r.Counters().Snapshot().Retries)
}

func TestQueryNoRetryWhenSafeModelFails(t *testing.T) {
	eng := newFakeEngine()
	eng.genFail["llama3.2:3b"] = errors.New("oom")
	r := New(newRegistry(model("llama3.2", 90, true)), eng, config.Default())

	_, err := r.Query(context.Background(), "hello", QueryOptions{Model: "llama3.2:3b"})
	assert.ErrorIs(t, err, ErrInferenceFailed)
	assert.Equal(t, []string{"llama3.2:3b"}, eng.generated)
}

func TestQueryRetryFailurePropagates(t *testing.T) {
	eng := newFakeEngine()
	eng.genFail["flaky"] = errors.New("crash")
	eng.genFail["llama3.2:3b"] = errors.New("also down")
	r := New(newRegistry(model("flaky", 90, true)), eng, config.Default())

	_, err := r.Query(context.Background(), "hello", QueryOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInferenceFailed)
	assert.Contains(t, err.Error(), "also down")
	assert.Len(t, eng.generated, 2)
	assert.Equal(t, int64(1), r.Counters().Snapshot().Errors)
}

func TestGenerateOptions(t *testing.T) {
	r := New(newRegistry(), newFakeEngine(), config.Default())
	opts := r.GenerateOptions()
	assert.Equal(t, 0.7, opts.Temperature)
	assert.Equal(t, 40, opts.TopK)
	assert.Equal(t, 0.9, opts.TopP)
	assert.Equal(t, 2048, opts.NumPredict)
}

func TestStats(t *testing.T) {
	reg := newRegistry(model("a", 90, true), model("b", 80, false))
	r := New(reg, newFakeEngine(), config.Default())
	_, err := r.Query(context.Background(), "hello", QueryOptions{Model: "a"})
	require.NoError(t, err)

	st := r.Stats()
	assert.Equal(t, 2, st.TotalModels)
	assert.Equal(t, 1, st.LocalModels)
	assert.Equal(t, 1, st.DownloadableModels)
	assert.Equal(t, 1, st.QueriesProcessed)
}

// ============================================================================
// PERFORMANCE TRACKER
// ============================================================================

func TestPerformanceEntryThroughput(t *testing.T) {
	e := NewPerformanceEntry(time.Now(), "m", 10, 500, 2*time.Second)
	assert.Equal(t, int64(2000), e.ResponseTimeMs)
	assert.InDelta(t, 250, e.TokensPerSecond, 1e-9)

	fast := NewPerformanceEntry(time.Now(), "m", 10, 5, 0)
	assert.InDelta(t, 5000, fast.TokensPerSecond, 1e-9)
}

func TestTrackerPersistsEveryN(t *testing.T) {
	sink := &fakeSink{}
	tr := NewPerformanceTracker(1000, 50, sink)

	for i := 0; i < 120; i++ {
		tr.Record(PerformanceEntry{Model: "m"})
	}
	require.Len(t, sink.batches, 2)
	assert.Len(t, sink.batches[0], 50)
	assert.Len(t, sink.batches[1], 50)

	tr.Flush(context.Background())
	assert.Len(t, sink.batches, 3)
	assert.Len(t, sink.batches[2], 20)
}

func TestTrackerCapsHistory(t *testing.T) {
	tr := NewPerformanceTracker(10, 50, nil)
	for i := 0; i < 25; i++ {
		tr.Record(PerformanceEntry{QueryLength: i})
	}
	entries := tr.Entries()
	require.Len(t, entries, 10)
	assert.Equal(t, 15, entries[0].QueryLength)
	assert.Equal(t, 24, entries[9].QueryLength)
}

func TestTrackerKeepsPendingOnSinkFailure(t *testing.T) {
	sink := &fakeSink{err: errors.New("disk full")}
	tr := NewPerformanceTracker(100, 5, sink)
	for i := 0; i < 5; i++ {
		tr.Record(PerformanceEntry{})
	}
	assert.Empty(t, sink.batches)

	sink.err = nil
	tr.Flush(context.Background())
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 5)
}

func TestTrackerAverage(t *testing.T) {
	tr := NewPerformanceTracker(10, 10, nil)
	assert.Equal(t, 0.0, tr.AverageResponseTime())
	tr.Record(PerformanceEntry{ResponseTimeMs: 100})
	tr.Record(PerformanceEntry{ResponseTimeMs: 300})
	assert.Equal(t, 200.0, tr.AverageResponseTime())
}
