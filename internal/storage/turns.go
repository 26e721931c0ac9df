// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/modelmux/internal/util"
)

// Turn is one persisted chat message.
type Turn struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	RoutingMethod  string    `json:"routing_method,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SessionMeta is the listing view of a session.
type SessionMeta struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
	// Preview is the first user message, truncated.
	Preview string `json:"preview"`
}

// AppendTurn stores t and returns it with its row id. A zero timestamp
// is set to now.
func (s *Store) AppendTurn(ctx context.Context, t Turn) (Turn, error) {
	if t.SessionID == "" {
		return t, fmt.Errorf("storage: session id required")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return t, err
	}

	res, err := db.ExecContext(ctx, `INSERT INTO turns
		(session_id, role, content, model, routing_method, response_time_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Role, t.Content, t.Model, t.RoutingMethod, t.ResponseTimeMs, t.Timestamp.UnixMilli())
	if err != nil {
		return t, dbError("insert turn", err)
	}
	t.ID, _ = res.LastInsertId()
	return t, nil
}

// Turns returns a session's turns in order. An unknown session yields
// ErrNotFound.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	turns, err := s.queryTurns(ctx, `SELECT id, session_id, role, content, model, routing_method,
		response_time_ms, timestamp FROM turns WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return turns, nil
}

// Search returns turns whose content contains text, case-insensitively,
// newest first.
func (s *Store) Search(ctx context.Context, text string, limit int) ([]Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + escapeLike(strings.ToLower(text)) + "%"
	return s.queryTurns(ctx, `SELECT id, session_id, role, content, model, routing_method,
		response_time_ms, timestamp FROM turns WHERE lower(content) LIKE ? ESCAPE '\'
		ORDER BY id DESC LIMIT ?`, pattern, limit)
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("query turns", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t  Turn
			ts int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Model,
			&t.RoutingMethod, &t.ResponseTimeMs, &ts); err != nil {
			return nil, dbError("scan turn", err)
		}
		t.Timestamp = time.UnixMilli(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Sessions lists sessions, most recently active first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionMeta, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT session_id, MIN(timestamp), MAX(timestamp), COUNT(*),
		COALESCE((SELECT content FROM turns f WHERE f.session_id = t.session_id AND f.role = 'user'
			ORDER BY f.id LIMIT 1), '')
		FROM turns t GROUP BY session_id ORDER BY MAX(id) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, dbError("list sessions", err)
	}
	defer rows.Close()

	var out []SessionMeta
	for rows.Next() {
		var (
			m           SessionMeta
			first, last int64
			preview     string
		)
		if err := rows.Scan(&m.ID, &first, &last, &m.TurnCount, &preview); err != nil {
			return nil, dbError("scan session", err)
		}
		m.StartedAt = time.UnixMilli(first)
		m.UpdatedAt = time.UnixMilli(last)
		m.Preview = util.TruncateRunes(strings.Join(strings.Fields(preview), " "), 80)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteSession removes every turn of a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return dbError("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatSessionList renders sessions as a fixed-width table.
func FormatSessionList(sessions []SessionMeta) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}

	var sb strings.Builder
	sb.WriteString("Sessions:\n")
	sb.WriteString("-----------------------------------------------------\n")
	fmt.Fprintf(&sb, "%-12s %-20s %-8s %s\n", "ID", "Started", "Turns", "Preview")
	sb.WriteString("-----------------------------------------------------\n")
	for _, s := range sessions {
		id := s.ID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(&sb, "%-12s %-20s %-8d %s\n",
			id, s.StartedAt.Format("2006-01-02 15:04"), s.TurnCount, util.TruncateRunes(s.Preview, 30))
	}
	return sb.String()
}
