// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package embed

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/zeebo/xxh3"

	"github.com/jeranaias/modelmux/internal/config"
)

// Embedder maps text to a fixed-length vector. Identical input yields an
// identical vector for the life of the embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// =============================================================================
// HASH EMBEDDER
// =============================================================================

// HashEmbedder is a dependency-free embedder using signed feature hashing of
// word unigrams and bigrams. It captures lexical overlap only.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder with dim dimensions.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashEmbedder{dim: dim}
}

// Name identifies the embedder.
func (h *HashEmbedder) Name() string { return fmt.Sprintf("hash-%d", h.dim) }

// Embed returns the unit-length hashed vector for text. Text without any
// word yields the zero vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	words := tokenize(text)
	for i, w := range words {
		h.add(vec, w, 1.0)
		if i > 0 {
			h.add(vec, words[i-1]+" "+w, 0.5)
		}
	}
	return Normalize(vec), nil
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	sum := xxh3.HashString(feature)
	idx := int(sum % uint64(h.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// =============================================================================
// OLLAMA EMBEDDER
// =============================================================================

// EmbedClient is the part of the Ollama client used for embeddings.
type EmbedClient interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// OllamaEmbedder embeds through an Ollama embedding model. Results are
// memoized so repeated text does not hit the server.
type OllamaEmbedder struct {
	client EmbedClient
	model  string

	mu    sync.Mutex
	memo  map[string][]float32
	limit int
}

// NewOllamaEmbedder creates an embedder using model.
func NewOllamaEmbedder(client EmbedClient, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		client: client,
		model:  model,
		memo:   make(map[string][]float32),
		limit:  4096,
	}
}

// Name identifies the embedder.
func (o *OllamaEmbedder) Name() string { return "ollama:" + o.model }

// Embed returns the normalized embedding for text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	o.mu.Lock()
	if v, ok := o.memo[text]; ok {
		o.mu.Unlock()
		return v, nil
	}
	o.mu.Unlock()

	v, err := o.client.Embed(ctx, o.model, text)
	if err != nil {
		return nil, fmt.Errorf("embed with %s: %w", o.model, err)
	}
	v = Normalize(v)

	o.mu.Lock()
	if len(o.memo) >= o.limit {
		o.memo = make(map[string][]float32)
	}
	o.memo[text] = v
	o.mu.Unlock()
	return v, nil
}

// New selects an embedder from memory settings.
func New(cfg config.MemoryConfig, ollamaCfg config.OllamaConfig, client EmbedClient) Embedder {
	if cfg.Embedder == "ollama" && client != nil {
		return NewOllamaEmbedder(client, ollamaCfg.EmbeddingModel)
	}
	return NewHashEmbedder(cfg.Dimension)
}

// =============================================================================
// VECTOR MATH
// =============================================================================

// Normalize returns v scaled to unit length. The zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(1 / math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * norm
	}
	return out
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty, zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
