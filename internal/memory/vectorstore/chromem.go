// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vectorstore

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex indexes vectors in an in-process chromem-go collection.
// Embeddings are always supplied by the caller, so the collection has no
// embedding function.
type ChromemIndex struct {
	db   *chromem.DB
	name string
	col  *chromem.Collection
}

// NewChromemIndex creates an index backed by a fresh collection.
func NewChromemIndex(session string) (*ChromemIndex, error) {
	name := "memory"
	if session != "" {
		name = "memory_" + session
	}
	ci := &ChromemIndex{db: chromem.NewDB(), name: name}
	if err := ci.Reset(); err != nil {
		return nil, err
	}
	return ci, nil
}

// Add inserts a vector as a document.
func (c *ChromemIndex) Add(ctx context.Context, id string, vec []float32) error {
	doc := chromem.Document{ID: id, Embedding: vec, Content: id}
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search queries the collection. chromem rejects requests for more results
// than it holds, so k is capped at the collection size.
func (c *ChromemIndex) Search(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if n := c.col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := c.col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{ID: r.ID, Score: float64(r.Similarity)})
	}
	return matches, nil
}

// Reset drops and recreates the collection.
func (c *ChromemIndex) Reset() error {
	if c.col != nil {
		if err := c.db.DeleteCollection(c.name); err != nil {
			return fmt.Errorf("delete collection: %w", err)
		}
	}
	col, err := c.db.CreateCollection(c.name, nil, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	c.col = col
	return nil
}

// Len returns the number of documents.
func (c *ChromemIndex) Len() int { return c.col.Count() }

// Kind returns "chromem".
func (c *ChromemIndex) Kind() string { return "chromem" }
