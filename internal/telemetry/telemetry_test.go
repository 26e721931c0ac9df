// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jeranaias/modelmux/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}

	// The no-op tracer still produces usable spans.
	ctx, span := StartSpan(context.Background(), "test")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	EndSpan(span, errors.New("boom"))
}

func TestCounters(t *testing.T) {
	var c Counters

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := "local"
			if i%2 == 0 {
				method = "openai_meta"
			}
			c.RecordQuery(method, "llama3.2:3b", i == 0)
		}(i)
	}
	wg.Wait()
	c.RecordError()

	s := c.Snapshot()
	if s.Total != 10 {
		t.Errorf("Total = %d, want 10", s.Total)
	}
	if s.ByMethod["local"] != 5 || s.ByMethod["openai_meta"] != 5 {
		t.Errorf("ByMethod = %v", s.ByMethod)
	}
	if s.ByModel["llama3.2:3b"] != 10 {
		t.Errorf("ByModel = %v", s.ByModel)
	}
	if s.Retries != 1 || s.Errors != 1 {
		t.Errorf("Retries = %d, Errors = %d", s.Retries, s.Errors)
	}
}
