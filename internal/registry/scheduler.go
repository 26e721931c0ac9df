// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Scheduler refreshes a registry periodically. A failed refresh is retried
// once after the retry delay; the next scheduled run happens regardless.
type Scheduler struct {
	reg     *Registry
	spec    string
	retry   time.Duration
	timeout time.Duration

	// OnRefresh, if set, is called after every successful refresh.
	OnRefresh func(Stats)

	mu         sync.Mutex
	cron       *rcron.Cron
	retryTimer *time.Timer
	stopped    bool
}

// NewScheduler creates a scheduler for reg. spec is a cron spec such as
// "@every 24h".
func NewScheduler(reg *Registry, spec string, retry time.Duration) *Scheduler {
	if retry <= 0 {
		retry = 5 * time.Minute
	}
	return &Scheduler{
		reg:     reg,
		spec:    spec,
		retry:   retry,
		timeout: 2 * time.Minute,
	}
}

// Start runs one refresh immediately in the background and then schedules
// the periodic refresh.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", s.spec, err)
	}
	s.cron = c
	s.stopped = false
	c.Start()
	go s.run()

	log.Printf("REGISTRY_SCHEDULER_STARTED | schedule=%q retry=%s", s.spec, s.retry)
	return nil
}

// Stop cancels the schedule and any pending retry, waiting for a running
// refresh to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.stopped = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// RefreshNow refreshes synchronously.
func (s *Scheduler) RefreshNow(ctx context.Context) error {
	if err := s.reg.Refresh(ctx); err != nil {
		return err
	}
	if s.OnRefresh != nil {
		s.OnRefresh(s.reg.Stats())
	}
	return nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.RefreshNow(ctx); err != nil {
		log.Printf("REGISTRY_REFRESH_FAILED | error=%v retry_in=%s", err, s.retry)
		s.scheduleRetry()
	}
}

func (s *Scheduler) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.retryTimer != nil {
		return
	}
	s.retryTimer = time.AfterFunc(s.retry, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		s.run()
	})
}
