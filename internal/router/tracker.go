// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"log"
	"math"
	"sync"
	"time"
)

// PerformanceEntry records one generation.
type PerformanceEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	Model           string    `json:"model"`
	QueryLength     int       `json:"query_length"`
	ResponseTimeMs  int64     `json:"response_time_ms"`
	ResponseLength  int       `json:"response_length"`
	TokensPerSecond float64   `json:"tokens_per_second"`
}

// NewPerformanceEntry fills in the derived throughput figure: response
// length per second, with the elapsed time floored at one millisecond.
func NewPerformanceEntry(at time.Time, model string, queryLen, responseLen int, elapsed time.Duration) PerformanceEntry {
	secs := math.Max(elapsed.Seconds(), 0.001)
	return PerformanceEntry{
		Timestamp:       at,
		Model:           model,
		QueryLength:     queryLen,
		ResponseTimeMs:  elapsed.Milliseconds(),
		ResponseLength:  responseLen,
		TokensPerSecond: float64(responseLen) / secs,
	}
}

// Sink persists performance entries.
type Sink interface {
	SavePerformance(ctx context.Context, entries []PerformanceEntry) error
}

// PerformanceTracker keeps the most recent entries in memory and hands
// new ones to a Sink in batches.
type PerformanceTracker struct {
	mu      sync.Mutex
	entries []PerformanceEntry
	pending []PerformanceEntry
	total   int

	limit int
	every int
	sink  Sink
}

// NewPerformanceTracker creates a tracker keeping limit entries and
// flushing to sink after every `every` recorded entries. sink may be nil.
func NewPerformanceTracker(limit, every int, sink Sink) *PerformanceTracker {
	if limit <= 0 {
		limit = 1000
	}
	if every <= 0 {
		every = 50
	}
	return &PerformanceTracker{limit: limit, every: every, sink: sink}
}

// Record adds an entry. It reports whether the entry triggered a flush.
func (t *PerformanceTracker) Record(e PerformanceEntry) bool {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	if len(t.entries) > t.limit {
		t.entries = append([]PerformanceEntry(nil), t.entries[len(t.entries)-t.limit:]...)
	}
	t.pending = append(t.pending, e)
	t.total++
	due := t.total%t.every == 0
	t.mu.Unlock()

	if due {
		t.Flush(context.Background())
	}
	return due
}

// Flush writes pending entries to the sink. Failures are logged and the
// entries stay pending.
func (t *PerformanceTracker) Flush(ctx context.Context) {
	t.mu.Lock()
	if t.sink == nil || len(t.pending) == 0 {
		t.pending = t.pending[:0]
		t.mu.Unlock()
		return
	}
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	if err := t.sink.SavePerformance(ctx, batch); err != nil {
		log.Printf("PERFORMANCE_PERSIST_FAILED | entries=%d error=%v", len(batch), err)
		t.mu.Lock()
		t.pending = append(batch, t.pending...)
		if len(t.pending) > t.limit {
			t.pending = t.pending[len(t.pending)-t.limit:]
		}
		t.mu.Unlock()
	}
}

// Entries returns a copy of the retained entries, oldest first.
func (t *PerformanceTracker) Entries() []PerformanceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PerformanceEntry(nil), t.entries...)
}

// Len returns the number of retained entries.
func (t *PerformanceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// AverageResponseTime returns the mean response time of retained entries
// in milliseconds.
func (t *PerformanceTracker) AverageResponseTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 {
		return 0
	}
	var sum int64
	for _, e := range t.entries {
		sum += e.ResponseTimeMs
	}
	return float64(sum) / float64(len(t.entries))
}
