// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/modelmux/internal/memory"
	"github.com/jeranaias/modelmux/internal/metarouter"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/storage"
)

var (
	// ErrBusy is returned when a session already has a query in flight.
	ErrBusy = errors.New("session: query already in progress")
	// ErrNotFound is returned for unknown or expired session ids.
	ErrNotFound = errors.New("session: not found")
)

// Answerer routes a query and generates the answer. *metarouter.MetaRouter
// satisfies it; Local adapts a bare local router.
type Answerer interface {
	Query(ctx context.Context, query string, opts router.QueryOptions) (*metarouter.Result, error)
}

// Local adapts a local router to Answerer.
type Local struct {
	Router *router.LocalRouter
}

// Query routes locally and wraps the response.
func (l Local) Query(ctx context.Context, query string, opts router.QueryOptions) (*metarouter.Result, error) {
	resp, err := l.Router.Query(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return &metarouter.Result{Response: *resp}, nil
}

// TurnLog records transcript turns. *storage.Store satisfies it.
type TurnLog interface {
	AppendTurn(ctx context.Context, t storage.Turn) (storage.Turn, error)
}

// MemoryFactory creates the memory for a new session. A nil factory, or
// a nil System, runs the session without memory.
type MemoryFactory func(sessionID string) (*memory.System, error)

// Session is one conversation.
type Session struct {
	id     string
	memory *memory.System
	busy   sync.Mutex

	mu            sync.Mutex
	startTime     time.Time
	lastActivity  time.Time
	previousModel string
	turns         int
}

func newSession(mem *memory.System, now time.Time) *Session {
	return &Session{
		id:           uuid.NewString(),
		memory:       mem,
		startTime:    now,
		lastActivity: now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Memory returns the session memory, or nil when memory is disabled.
func (s *Session) Memory() *memory.System { return s.memory }

// PreviousModel returns the model that answered the last turn.
func (s *Session) PreviousModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previousModel
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) finishTurn(model string, now time.Time) {
	s.mu.Lock()
	s.previousModel = model
	s.lastActivity = now
	s.turns++
	s.mu.Unlock()
}

func (s *Session) idle(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID     string        `json:"session_id"`
	StartTime     time.Time     `json:"start_time"`
	Duration      time.Duration `json:"duration"`
	IdleTime      time.Duration `json:"idle_time"`
	Turns         int           `json:"turns"`
	PreviousModel string        `json:"previous_model,omitempty"`
	Summary       string        `json:"summary"`
}

func (s *Session) status(now time.Time) Status {
	s.mu.Lock()
	st := Status{
		SessionID:     s.id,
		StartTime:     s.startTime,
		Duration:      now.Sub(s.startTime),
		IdleTime:      now.Sub(s.lastActivity),
		Turns:         s.turns,
		PreviousModel: s.previousModel,
	}
	s.mu.Unlock()
	if s.memory != nil {
		st.Summary = s.memory.ConversationSummary()
	} else {
		st.Summary = "Memory disabled"
	}
	return st
}
