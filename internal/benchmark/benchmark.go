// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package benchmark measures local models against a fixed prompt suite.
//
// Each prompt belongs to one routing specialization, so a run shows both
// how fast a model generates and which kinds of query it answers well.
// Every generation is also recorded with the router's performance tracker.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jeranaias/modelmux/internal/ollama"
	"github.com/jeranaias/modelmux/internal/router"
)

// =============================================================================
// RUNNER
// =============================================================================

// Generator runs one completion. *ollama.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, opts *ollama.Options) (*ollama.GenerateResponse, error)
}

// Recorder receives a performance entry per generation.
// *router.PerformanceTracker satisfies it.
type Recorder interface {
	Record(e router.PerformanceEntry) bool
}

// Runner executes the suite. It is not safe for concurrent use.
type Runner struct {
	gen   Generator
	rec   Recorder
	tests []Test
	opts  *ollama.Options
}

// NewRunner creates a runner over the standard suite. rec may be nil.
func NewRunner(gen Generator, rec Recorder) *Runner {
	return &Runner{
		gen:   gen,
		rec:   rec,
		tests: StandardTests(),
		opts:  &ollama.Options{Temperature: 0.2, NumPredict: 256},
	}
}

// WithTests replaces the suite.
func (r *Runner) WithTests(tests []Test) *Runner {
	r.tests = tests
	return r
}

// Tests returns the suite the runner will execute.
func (r *Runner) Tests() []Test { return r.tests }

// Run executes every test against model. Failed tests are recorded in the
// result rather than returned; only cancellation aborts the run.
func (r *Runner) Run(ctx context.Context, model string) (*Result, error) {
	result := &Result{
		ModelName: model,
		StartTime: time.Now(),
		Tests:     make([]TestResult, 0, len(r.tests)),
	}

	for _, test := range r.tests {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		tr := r.runTest(ctx, model, test)
		if tr.Status == TestStatusFailed {
			log.Printf("BENCHMARK_TEST_FAILED | model=%s test=%q error=%s", model, test.Name, tr.Error)
		}
		result.Tests = append(result.Tests, tr)
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.computeAggregates()

	log.Printf("BENCHMARK_COMPLETE | model=%s passed=%d failed=%d tps=%.1f quality=%.1f",
		model, result.PassedTests, result.FailedTests, result.AvgTokensPerSec, result.AvgQualityScore)
	return result, nil
}

// runTest executes a single prompt.
func (r *Runner) runTest(ctx context.Context, model string, test Test) TestResult {
	tr := TestResult{
		Name:      test.Name,
		Category:  test.Category,
		Status:    TestStatusRunning,
		StartTime: time.Now(),
	}
	if test.Prompt == "" {
		tr.Status = TestStatusFailed
		tr.Error = "empty prompt"
		return tr
	}

	resp, err := r.gen.Generate(ctx, model, test.Prompt, r.opts)
	tr.EndTime = time.Now()
	tr.Duration = tr.EndTime.Sub(tr.StartTime)
	if err != nil {
		tr.Status = TestStatusFailed
		tr.Error = err.Error()
		return tr
	}

	entry := router.NewPerformanceEntry(tr.StartTime, model, len(test.Prompt), len(resp.Response), tr.Duration)
	if r.rec != nil {
		r.rec.Record(entry)
	}

	tr.Response = resp.Response
	tr.TokenCount = resp.EvalCount
	// Prefer the engine's own throughput; fall back to the router's
	// characters-per-second measure when it reports none.
	tr.TokensPerSec = resp.TokensPerSecond()
	if tr.TokensPerSec == 0 {
		tr.TokensPerSec = entry.TokensPerSecond
	}
	if test.Evaluator != nil {
		tr.QualityScore = test.Evaluator(resp.Response)
	}
	tr.Status = TestStatusPassed
	return tr
}

// ErrAllFailed is returned by RunComparison when no model completed a test.
var ErrAllFailed = errors.New("all models failed to run")

// RunComparison benchmarks each model in turn. It returns ErrAllFailed
// only when every model failed every test.
func (r *Runner) RunComparison(ctx context.Context, models []string) (*Comparison, error) {
	c := &Comparison{
		Models:    append([]string(nil), models...),
		Results:   make(map[string]*Result, len(models)),
		StartTime: time.Now(),
	}

	ok := 0
	for _, model := range models {
		result, err := r.Run(ctx, model)
		c.Results[model] = result
		if err != nil {
			return c, fmt.Errorf("benchmark %s: %w", model, err)
		}
		if result.PassedTests > 0 {
			ok++
		}
	}

	c.EndTime = time.Now()
	c.Duration = c.EndTime.Sub(c.StartTime)
	if ok == 0 && len(models) > 0 {
		return c, ErrAllFailed
	}
	return c, nil
}
