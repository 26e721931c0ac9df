// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/modelmux/internal/ollama"
)

// ErrEmptyRegistry is returned by Refresh when discovery yields no usable
// model. The previous snapshot is kept.
var ErrEmptyRegistry = errors.New("registry: no usable models")

// LocalLister reports which models the inference engine has installed.
type LocalLister interface {
	LocalModelNames(ctx context.Context) ([]string, error)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is an immutable view of the registry. Models are ordered by
// performance score descending, then base name ascending; that order is
// the tie-break for routing.
type Snapshot struct {
	models      []ModelDescriptor
	index       map[string]int
	newest      time.Time
	refreshedAt time.Time
}

func newSnapshot(models []ModelDescriptor, at time.Time) *Snapshot {
	sort.SliceStable(models, func(i, j int) bool {
		if models[i].PerformanceScore != models[j].PerformanceScore {
			return models[i].PerformanceScore > models[j].PerformanceScore
		}
		return models[i].Name < models[j].Name
	})

	s := &Snapshot{
		models:      models,
		index:       make(map[string]int, len(models)*2),
		refreshedAt: at,
	}
	for i, m := range models {
		s.index[m.Name] = i
		s.index[m.FullName] = i
		s.index[ollama.CanonicalName(m.FullName)] = i
		if m.LastUpdated.After(s.newest) {
			s.newest = m.LastUpdated
		}
	}
	return s
}

// Len returns the number of models.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.models)
}

// Models returns a copy of the ordered model list.
func (s *Snapshot) Models() []ModelDescriptor {
	if s == nil {
		return nil
	}
	out := make([]ModelDescriptor, len(s.models))
	copy(out, s.models)
	return out
}

// Lookup finds a model by base name, full name or canonical full name.
func (s *Snapshot) Lookup(name string) (ModelDescriptor, bool) {
	if s == nil {
		return ModelDescriptor{}, false
	}
	i, ok := s.index[name]
	if !ok {
		i, ok = s.index[ollama.CanonicalName(name)]
	}
	if !ok {
		return ModelDescriptor{}, false
	}
	return s.models[i], true
}

// Contains reports whether Lookup would find name.
func (s *Snapshot) Contains(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// First returns the highest ranked model.
func (s *Snapshot) First() (ModelDescriptor, bool) {
	if s.Len() == 0 {
		return ModelDescriptor{}, false
	}
	return s.models[0], true
}

// Newest returns the most recent LastUpdated across all models. Recency
// scoring is relative to it.
func (s *Snapshot) Newest() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.newest
}

// RefreshedAt returns when the snapshot was built.
func (s *Snapshot) RefreshedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.refreshedAt
}

// =============================================================================
// REGISTRY
// =============================================================================

// Stats summarizes the current snapshot.
type Stats struct {
	TotalModels        int       `json:"total_models_available"`
	LocalModels        int       `json:"local_models"`
	DownloadableModels int       `json:"downloadable_models"`
	LastRefresh        time.Time `json:"last_refresh"`
}

// Registry holds the current snapshot. Readers never lock; writers build a
// new snapshot and swap it in.
type Registry struct {
	source Source
	lister LocalLister
	policy TagPolicy

	current atomic.Pointer[Snapshot]
	mu      sync.Mutex

	// marks holds base names flipped by MarkLocal with their mark sequence,
	// so a refresh that read the engine before the pull keeps the flag.
	marks   map[string]uint64
	markSeq uint64

	now func() time.Time
}

// New creates an empty registry. lister may be nil, in which case no model
// is considered local.
func New(source Source, lister LocalLister, policy TagPolicy) *Registry {
	r := &Registry{
		source: source,
		lister: lister,
		policy: policy,
		now:    time.Now,
	}
	r.current.Store(newSnapshot(nil, time.Time{}))
	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Refresh rebuilds the registry from the discovery source and swaps it in.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("registry: no discovery source")
	}
	r.mu.Lock()
	since := r.markSeq
	r.mu.Unlock()

	entries, err := r.source.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("registry refresh: %w", err)
	}

	local := r.localNames(ctx)
	models := r.build(entries, local)
	if len(models) == 0 {
		return ErrEmptyRegistry
	}

	r.mu.Lock()
	r.applyMarks(models, since)
	r.current.Store(newSnapshot(models, r.now()))
	r.mu.Unlock()

	stats := r.Stats()
	log.Printf("REGISTRY_REFRESHED | models=%d local=%d", stats.TotalModels, stats.LocalModels)
	return nil
}

// Set replaces the registry with the given descriptors.
func (r *Registry) Set(models []ModelDescriptor) {
	cp := make([]ModelDescriptor, len(models))
	copy(cp, models)

	r.mu.Lock()
	r.current.Store(newSnapshot(cp, r.now()))
	r.mu.Unlock()
}

// MarkLocal flags a model as installed after a successful pull. It returns
// false if the model is not in the registry.
func (r *Registry) MarkLocal(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	d, ok := cur.Lookup(name)
	if !ok {
		return false
	}
	if d.Local {
		return true
	}

	models := cur.Models()
	for i := range models {
		if models[i].Name == d.Name {
			models[i].Local = true
		}
	}
	next := newSnapshot(models, cur.refreshedAt)
	r.current.Store(next)

	r.markSeq++
	if r.marks == nil {
		r.marks = make(map[string]uint64)
	}
	r.marks[d.Name] = r.markSeq
	return true
}

// applyMarks sets Local on models flipped by MarkLocal after since and
// forgets marks the refresh already observed. Callers hold r.mu.
func (r *Registry) applyMarks(models []ModelDescriptor, since uint64) {
	for name, seq := range r.marks {
		if seq <= since {
			delete(r.marks, name)
			continue
		}
		for i := range models {
			if models[i].Name == name {
				models[i].Local = true
			}
		}
	}
}

// Recommendations returns up to limit non-local models ordered by download
// priority.
func (r *Registry) Recommendations(limit int) []ModelDescriptor {
	var out []ModelDescriptor
	for _, m := range r.Snapshot().Models() {
		if !m.Local {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DownloadPriority > out[j].DownloadPriority
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats reports model counts for the current snapshot.
func (r *Registry) Stats() Stats {
	snap := r.Snapshot()
	st := Stats{TotalModels: snap.Len(), LastRefresh: snap.RefreshedAt()}
	for _, m := range snap.models {
		if m.Local {
			st.LocalModels++
		}
	}
	st.DownloadableModels = st.TotalModels - st.LocalModels
	return st
}

func (r *Registry) localNames(ctx context.Context) map[string]bool {
	local := make(map[string]bool)
	if r.lister == nil {
		return local
	}
	names, err := r.lister.LocalModelNames(ctx)
	if err != nil {
		log.Printf("REGISTRY_LOCAL_LIST_FAILED | error=%v", err)
		return local
	}
	for _, n := range names {
		local[ollama.CanonicalName(n)] = true
	}
	return local
}

// build turns discovery records into descriptors. Entries without tags are
// skipped; a repeated base name replaces the earlier entry in place.
func (r *Registry) build(entries []CatalogEntry, local map[string]bool) []ModelDescriptor {
	var models []ModelDescriptor
	pos := make(map[string]int)

	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		tag := r.policy.BestTag(e.Tags)
		if tag == "" {
			continue
		}
		d := Describe(e, tag)
		d.Local = local[ollama.CanonicalName(d.FullName)]

		if i, ok := pos[e.Name]; ok {
			models[i] = d
			continue
		}
		pos[e.Name] = len(models)
		models = append(models, d)
	}
	return models
}

// Describe builds a descriptor for an entry with the chosen tag.
func Describe(e CatalogEntry, tag string) ModelDescriptor {
	updated, err := time.Parse("2006-01-02", e.LastUpdated)
	if err != nil {
		updated = time.Time{}
	}
	d := ModelDescriptor{
		Name:             e.Name,
		Tag:              tag,
		FullName:         FullName(e.Name, tag),
		AvailableTags:    append([]string(nil), e.Tags...),
		Specializations:  append([]string(nil), e.Specializations...),
		PerformanceScore: e.PerformanceScore,
		SizeGB:           EstimateSizeGB(tag),
		ParameterCount:   ParameterCount(tag),
		Quantization:     defaultQuantization,
		LastUpdated:      updated,
		Description:      e.Description,
	}
	d.DownloadPriority = DownloadPriority(d)
	return d
}
