// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/jeranaias/modelmux/internal/memory"
	"github.com/jeranaias/modelmux/internal/metarouter"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/storage"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds session manager settings.
type Config struct {
	// IdleTimeout ends sessions with no activity for this long.
	IdleTimeout time.Duration
	// ReapInterval is how often idle sessions are checked.
	ReapInterval time.Duration
	// MaxSessions caps live sessions; 0 means unlimited.
	MaxSessions int
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:  30 * time.Minute,
		ReapInterval: time.Minute,
		MaxSessions:  256,
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns live sessions and runs their turns.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg       Config
	answerer  Answerer
	newMemory MemoryFactory
	turns     TurnLog
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a session manager. newMemory and turns may be nil.
func NewManager(cfg Config, answerer Answerer, newMemory MemoryFactory, turns TurnLog) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		cfg:       cfg,
		answerer:  answerer,
		newMemory: newMemory,
		turns:     turns,
		now:       time.Now,
	}
}

// SetClock replaces time.Now. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Start launches the idle reaper.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Reap()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the reaper and ends every session.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, id := range ids {
		m.End(id)
	}
}

// Create starts a new session.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	full := m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions
	m.mu.Unlock()
	if full {
		return nil, fmt.Errorf("session: limit of %d live sessions reached", m.cfg.MaxSessions)
	}

	s := newSession(nil, m.now())
	if m.newMemory != nil {
		mem, err := m.newMemory(s.id)
		if err != nil {
			return nil, fmt.Errorf("create session memory: %w", err)
		}
		s.memory = mem
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	log.Printf("SESSION_START | id=%s memory=%t", s.id, s.memory != nil)
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// End removes a session and flushes its memory.
func (m *Manager) End(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if s.memory != nil {
		if err := s.memory.Close(); err != nil {
			log.Printf("SESSION_MEMORY_FLUSH_FAILED | id=%s error=%v", id, err)
		}
	}
	log.Printf("SESSION_END | id=%s", id)
}

// Reap ends sessions idle for at least the idle timeout and returns how
// many were ended.
func (m *Manager) Reap() int {
	now := m.now()
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.idle(now) >= m.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.End(id)
	}
	return len(expired)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Status returns the status of a live session.
func (m *Manager) Status(id string) (Status, error) {
	s, err := m.Get(id)
	if err != nil {
		return Status{}, err
	}
	return s.status(m.now()), nil
}

// =============================================================================
// QUERY PIPELINE
// =============================================================================

// Reply is the answer to one turn.
type Reply struct {
	metarouter.Result
	SessionID   string `json:"session_id"`
	MemorySize  int    `json:"memory_size"`
	ContextUsed bool   `json:"context_used"`
}

// Ask runs one turn for s. model, when set, bypasses routing. Memory and
// transcript failures are logged; only routing and generation errors are
// returned.
func (m *Manager) Ask(ctx context.Context, s *Session, query, model string) (*Reply, error) {
	if !s.busy.TryLock() {
		return nil, ErrBusy
	}
	defer s.busy.Unlock()
	s.touch(m.now())

	prompt := query
	if s.memory != nil {
		prompt = s.memory.ContextForQuery(ctx, query)
	}

	res, err := m.answerer.Query(ctx, prompt, router.QueryOptions{
		Model:        model,
		RoutingQuery: query,
		Hints:        router.Hints{PreviousModel: s.PreviousModel()},
	})
	if err != nil {
		return nil, err
	}
	// Enhancement fields describe the user's text, not the memory block.
	if res.QueryEnhanced {
		res.OriginalQuery = query
	}

	reply := &Reply{Result: *res, SessionID: s.id, ContextUsed: prompt != query}
	if s.memory != nil {
		if _, err := s.memory.AddMemory(ctx, query, memory.RoleUser); err != nil {
			log.Printf("SESSION_MEMORY_FAILED | id=%s error=%v", s.id, err)
		}
		if _, err := s.memory.AddMemory(ctx, res.Response.Response, memory.RoleAssistant,
			memory.WithModel(res.Model),
			memory.WithMetadata(map[string]string{
				"routing_method":   string(res.RoutingMethod),
				"response_time_ms": strconv.FormatInt(res.ResponseTimeMs, 10),
			})); err != nil {
			log.Printf("SESSION_MEMORY_FAILED | id=%s error=%v", s.id, err)
		}
		reply.MemorySize = s.memory.Stats().ShortTermMemories
	}

	m.logTurns(ctx, s.id, query, res)
	s.finishTurn(res.Model, m.now())
	return reply, nil
}

func (m *Manager) logTurns(ctx context.Context, sessionID, query string, res *metarouter.Result) {
	if m.turns == nil {
		return
	}
	turns := []storage.Turn{
		{SessionID: sessionID, Role: memory.RoleUser, Content: query, Timestamp: res.Timestamp},
		{
			SessionID:      sessionID,
			Role:           memory.RoleAssistant,
			Content:        res.Response.Response,
			Model:          res.Model,
			RoutingMethod:  string(res.RoutingMethod),
			ResponseTimeMs: res.ResponseTimeMs,
			Timestamp:      res.Timestamp,
		},
	}
	for _, t := range turns {
		if _, err := m.turns.AppendTurn(ctx, t); err != nil {
			log.Printf("SESSION_TRANSCRIPT_FAILED | id=%s error=%v", sessionID, err)
			return
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// FormatDuration returns a short human-readable duration.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return strconv.Itoa(int(d.Seconds())) + "s"
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return strconv.Itoa(mins) + "m"
	}
	return strconv.Itoa(mins) + "m " + strconv.Itoa(secs) + "s"
}
