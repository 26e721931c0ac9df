// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/embed"
	"github.com/jeranaias/modelmux/internal/util"
)

// Record is one archived memory entry.
type Record struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Role       string            `json:"role"`
	Timestamp  time.Time         `json:"timestamp"`
	Importance float64           `json:"importance"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"embedding,omitempty"`
}

// Hit is a search result.
type Hit struct {
	Record Record
	// Score is the cosine similarity to the query.
	Score float64
}

// Match is an index search result before it is joined with its record.
type Match struct {
	ID    string
	Score float64
}

// Index is a nearest-neighbor structure over unit vectors. Implementations
// need not support deletion; the store rebuilds them instead.
type Index interface {
	Add(ctx context.Context, id string, vec []float32) error
	Search(ctx context.Context, vec []float32, k int) ([]Match, error)
	Reset() error
	Len() int
	Kind() string
}

// persistedFile is the on-disk shape of a store.
type persistedFile struct {
	Version int      `json:"version"`
	Kind    string   `json:"kind"`
	Records []Record `json:"records"`
}

// Store keeps the authoritative set of records, an index over their
// embeddings, and a JSON snapshot on disk written every persistEvery adds.
type Store struct {
	mu      sync.RWMutex
	index   Index
	records map[string]Record
	order   []string

	path         string
	persistEvery int
	unsaved      int
}

// NewStore creates a store over index. path may be empty for a purely
// in-memory store.
func NewStore(index Index, path string, persistEvery int) *Store {
	if persistEvery <= 0 {
		persistEvery = 10
	}
	return &Store{
		index:        index,
		records:      make(map[string]Record),
		path:         path,
		persistEvery: persistEvery,
	}
}

// Open creates the configured backend for a session and loads any
// persisted records. An empty session keeps the store in memory only.
func Open(cfg config.MemoryConfig, session string) (*Store, error) {
	var index Index
	switch cfg.Backend {
	case "", "flat":
		index = NewFlatIndex()
	case "chromem":
		ci, err := NewChromemIndex(session)
		if err != nil {
			return nil, err
		}
		index = ci
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}

	path := ""
	if session != "" && cfg.Dir != "" {
		path = filepath.Join(util.ExpandHome(cfg.Dir), session, "vectors.json")
	}
	s := NewStore(index, path, cfg.PersistEvery)
	if err := s.Load(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Kind names the index backend.
func (s *Store) Kind() string { return s.index.Kind() }

// Len returns the number of retained records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Add stores rec. Its embedding is normalized; records without a usable
// embedding are retained but never returned by Search. A failed periodic
// persist is logged, not returned.
func (s *Store) Add(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("vectorstore: record id required")
	}
	rec.Embedding = embed.Normalize(rec.Embedding)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		s.records[rec.ID] = rec
		if err := s.rebuildLocked(ctx); err != nil {
			return err
		}
	} else {
		s.records[rec.ID] = rec
		s.order = append(s.order, rec.ID)
		if searchable(rec.Embedding) {
			if err := s.index.Add(ctx, rec.ID, rec.Embedding); err != nil {
				return fmt.Errorf("index %s: %w", rec.ID, err)
			}
		}
	}

	s.unsaved++
	if s.unsaved >= s.persistEvery {
		if err := s.flushLocked(); err != nil {
			log.Printf("VECTORSTORE_PERSIST_FAILED | path=%s error=%v", s.path, err)
		}
	}
	return nil
}

// Search returns up to k records most similar to vec, best first.
func (s *Store) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if k <= 0 || !searchable(vec) {
		return nil, nil
	}
	vec = embed.Normalize(vec)

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := s.index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("search %s index: %w", s.index.Kind(), err)
	}
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		rec, ok := s.records[m.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: m.Score})
	}
	return hits, nil
}

// Delete removes a record and rebuilds the index from the remaining ones.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if err := s.rebuildLocked(ctx); err != nil {
		return true, err
	}
	if err := s.flushLocked(); err != nil {
		log.Printf("VECTORSTORE_PERSIST_FAILED | path=%s error=%v", s.path, err)
	}
	return true, nil
}

// Records returns retained records in insertion order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// Flush writes all records to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes the store.
func (s *Store) Close() error {
	return s.Flush()
}

// Load replaces the store contents with the persisted snapshot, if any,
// and rebuilds the index.
func (s *Store) Load(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	var doc persistedFile
	if err := util.ReadJSONFile(s.path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load vector store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record, len(doc.Records))
	s.order = s.order[:0]
	for _, rec := range doc.Records {
		if _, dup := s.records[rec.ID]; !dup {
			s.order = append(s.order, rec.ID)
		}
		s.records[rec.ID] = rec
	}
	s.unsaved = 0
	return s.rebuildLocked(ctx)
}

func (s *Store) rebuildLocked(ctx context.Context) error {
	if err := s.index.Reset(); err != nil {
		return fmt.Errorf("reset %s index: %w", s.index.Kind(), err)
	}
	for _, id := range s.order {
		rec := s.records[id]
		if !searchable(rec.Embedding) {
			continue
		}
		if err := s.index.Add(ctx, id, rec.Embedding); err != nil {
			return fmt.Errorf("rebuild %s index: %w", s.index.Kind(), err)
		}
	}
	return nil
}

func (s *Store) flushLocked() error {
	s.unsaved = 0
	if s.path == "" {
		return nil
	}
	doc := persistedFile{Version: 1, Kind: s.index.Kind(), Records: make([]Record, 0, len(s.order))}
	for _, id := range s.order {
		doc.Records = append(doc.Records, s.records[id])
	}
	return util.WriteJSONFile(s.path, doc, 0o600)
}

// searchable reports whether v has a non-zero component.
func searchable(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return true
		}
	}
	return false
}
