// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/modelmux/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrClosed        = errors.New("storage: store closed")
	ErrDatabaseError = errors.New("storage: database error")
	ErrNotFound      = errors.New("storage: not found")
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS performance (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp         INTEGER NOT NULL,
	model             TEXT    NOT NULL,
	query_length      INTEGER NOT NULL,
	response_time_ms  INTEGER NOT NULL,
	response_length   INTEGER NOT NULL,
	tokens_per_second REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_performance_model ON performance(model);

CREATE TABLE IF NOT EXISTS turns (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       TEXT    NOT NULL,
	role             TEXT    NOT NULL,
	content          TEXT    NOT NULL,
	model            TEXT    NOT NULL DEFAULT '',
	routing_method   TEXT    NOT NULL DEFAULT '',
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	timestamp        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA busy_timeout=5000",
}

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	path = util.ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database. Further calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// conn returns the database handle or ErrClosed. Callers hold s.mu.RLock.
func (s *Store) conn() (*sql.DB, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.db, nil
}

func dbError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDatabaseError, op, err)
}
