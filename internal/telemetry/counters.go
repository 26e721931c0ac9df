// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sync"
	"time"
)

// =============================================================================
// ROUTING COUNTERS
// =============================================================================

// Counters aggregates routing outcomes for the status endpoints. The zero
// value is ready to use and safe for concurrent use.
type Counters struct {
	mu       sync.Mutex
	started  time.Time
	byMethod map[string]int64
	byModel  map[string]int64
	errors   int64
	retries  int64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Since    time.Time        `json:"since"`
	ByMethod map[string]int64 `json:"by_method"`
	ByModel  map[string]int64 `json:"by_model"`
	Errors   int64            `json:"errors"`
	Retries  int64            `json:"retries"`
	Total    int64            `json:"total"`
}

func (c *Counters) init() {
	if c.byMethod == nil {
		c.byMethod = make(map[string]int64)
		c.byModel = make(map[string]int64)
		c.started = time.Now()
	}
}

// RecordQuery counts one answered query.
func (c *Counters) RecordQuery(method, model string, retried bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	c.byMethod[method]++
	c.byModel[model]++
	if retried {
		c.retries++
	}
}

// RecordError counts one failed query.
func (c *Counters) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	c.errors++
}

// Snapshot returns a copy of the current counts.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()

	s := CounterSnapshot{
		Since:    c.started,
		ByMethod: make(map[string]int64, len(c.byMethod)),
		ByModel:  make(map[string]int64, len(c.byModel)),
		Errors:   c.errors,
		Retries:  c.retries,
	}
	for k, v := range c.byMethod {
		s.ByMethod[k] = v
		s.Total += v
	}
	for k, v := range c.byModel {
		s.ByModel[k] = v
	}
	return s
}
