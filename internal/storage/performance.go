// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"time"

	"github.com/jeranaias/modelmux/internal/router"
)

var _ router.Sink = (*Store)(nil)

// SavePerformance inserts a batch of entries in one transaction.
func (s *Store) SavePerformance(ctx context.Context, entries []router.PerformanceEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO performance
		(timestamp, model, query_length, response_time_ms, response_length, tokens_per_second)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return dbError("prepare performance insert", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UnixMilli(), e.Model, e.QueryLength,
			e.ResponseTimeMs, e.ResponseLength, e.TokensPerSecond); err != nil {
			return dbError("insert performance", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbError("commit", err)
	}
	return nil
}

// RecentPerformance returns the newest entries, newest first.
func (s *Store) RecentPerformance(ctx context.Context, limit int) ([]router.PerformanceEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT timestamp, model, query_length, response_time_ms,
		response_length, tokens_per_second FROM performance ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, dbError("query performance", err)
	}
	defer rows.Close()

	var out []router.PerformanceEntry
	for rows.Next() {
		var (
			e  router.PerformanceEntry
			ts int64
		)
		if err := rows.Scan(&ts, &e.Model, &e.QueryLength, &e.ResponseTimeMs,
			&e.ResponseLength, &e.TokensPerSecond); err != nil {
			return nil, dbError("scan performance", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ModelPerformance aggregates stored entries for one model.
type ModelPerformance struct {
	Model             string  `json:"model"`
	Queries           int     `json:"queries"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	AvgTokensPerSec   float64 `json:"avg_tokens_per_second"`
}

// PerformanceByModel summarizes stored entries per model, busiest first.
func (s *Store) PerformanceByModel(ctx context.Context) ([]ModelPerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT model, COUNT(*), AVG(response_time_ms), AVG(tokens_per_second)
		FROM performance GROUP BY model ORDER BY COUNT(*) DESC, model ASC`)
	if err != nil {
		return nil, dbError("aggregate performance", err)
	}
	defer rows.Close()

	var out []ModelPerformance
	for rows.Next() {
		var mp ModelPerformance
		if err := rows.Scan(&mp.Model, &mp.Queries, &mp.AvgResponseTimeMs, &mp.AvgTokensPerSec); err != nil {
			return nil, dbError("scan aggregate", err)
		}
		out = append(out, mp)
	}
	return out, rows.Err()
}
