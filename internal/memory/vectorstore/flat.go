// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vectorstore

import (
	"context"
	"sort"

	"github.com/jeranaias/modelmux/internal/embed"
)

// FlatIndex is an exhaustive cosine index. Vectors are stored normalized,
// so similarity is a dot product.
type FlatIndex struct {
	ids  []string
	vecs [][]float32
}

// NewFlatIndex creates an empty flat index.
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{}
}

// Add appends a vector.
func (f *FlatIndex) Add(_ context.Context, id string, vec []float32) error {
	f.ids = append(f.ids, id)
	f.vecs = append(f.vecs, embed.Normalize(vec))
	return nil
}

// Search scans every vector and returns the k most similar.
func (f *FlatIndex) Search(_ context.Context, vec []float32, k int) ([]Match, error) {
	matches := make([]Match, 0, len(f.ids))
	for i, v := range f.vecs {
		if len(v) != len(vec) {
			continue
		}
		var dot float64
		for j := range v {
			dot += float64(v[j]) * float64(vec[j])
		}
		matches = append(matches, Match{ID: f.ids[i], Score: dot})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Reset empties the index.
func (f *FlatIndex) Reset() error {
	f.ids = nil
	f.vecs = nil
	return nil
}

// Len returns the number of indexed vectors.
func (f *FlatIndex) Len() int { return len(f.ids) }

// Kind returns "flat".
func (f *FlatIndex) Kind() string { return "flat" }
