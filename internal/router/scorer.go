// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/ollama"
	"github.com/jeranaias/modelmux/internal/registry"
)

// ============================================================================
// SCORING ENGINE
// ============================================================================

// Scorer turns a descriptor and the classifier's tags into a score. Every
// factor is multiplicative, so a higher base score never ranks lower with
// all other factors equal.
type Scorer struct {
	Weights         map[string]float64
	LocalBoost      float64
	SweetSpotMinGB  float64
	SweetSpotMaxGB  float64
	SweetSpotBoost  float64
	LargeModelGB    float64
	LargePenalty    float64
	StickinessBoost float64
}

// NewScorer builds a scorer from configuration.
func NewScorer(cfg *config.Config) Scorer {
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = config.DefaultWeights()
	}
	r := cfg.Routing
	return Scorer{
		Weights:         weights,
		LocalBoost:      r.LocalBoost,
		SweetSpotMinGB:  r.SweetSpotMinGB,
		SweetSpotMaxGB:  r.SweetSpotMaxGB,
		SweetSpotBoost:  r.SweetSpotBoost,
		LargeModelGB:    r.LargeModelGB,
		LargePenalty:    r.LargePenalty,
		StickinessBoost: r.StickinessBoost,
	}
}

// DefaultScorer returns a scorer with the built-in constants.
func DefaultScorer() Scorer {
	return NewScorer(config.Default())
}

// weight returns the multiplier for tag; unknown tags weigh 1.0.
func (s Scorer) weight(tag string) float64 {
	if w, ok := s.Weights[tag]; ok {
		return w
	}
	return 1.0
}

// Score computes the routing score of d for the given tags. newest is the
// most recent LastUpdated in the snapshot; recency is measured against it.
func (s Scorer) Score(d registry.ModelDescriptor, tags []string, hints Hints, newest time.Time) float64 {
	score := d.PerformanceScore

	for _, tag := range tags {
		if d.HasSpecialization(tag) {
			score *= s.weight(tag)
		}
	}

	if d.Local {
		score *= s.LocalBoost
	}

	switch {
	case d.SizeGB >= s.SweetSpotMinGB && d.SizeGB <= s.SweetSpotMaxGB:
		score *= s.SweetSpotBoost
	case d.SizeGB > s.LargeModelGB:
		score *= s.LargePenalty
	}

	if hints.PreviousModel != "" &&
		ollama.CanonicalName(hints.PreviousModel) == ollama.CanonicalName(d.FullName) {
		score *= s.StickinessBoost
	}

	score *= recencyBoost(d.LastUpdated, newest)
	score *= versionBonus(d.Name)
	return score
}

// recencyBoost rewards models released close to the newest one known.
// Anything more than a year older gets no boost.
func recencyBoost(updated, newest time.Time) float64 {
	if updated.IsZero() || newest.IsZero() {
		return 1.0
	}
	days := newest.Sub(updated).Hours() / 24
	switch {
	case days <= 31:
		return 1.25
	case days <= 90:
		return 1.2
	case days <= 180:
		return 1.15
	case days <= 365:
		return 1.05
	default:
		return 1.0
	}
}

// versionBonus favors known recent model generations by name.
func versionBonus(name string) float64 {
	switch {
	case strings.Contains(name, "3.2") || strings.Contains(name, "2.5"):
		return 1.1
	case strings.Contains(name, "3.1") || strings.Contains(name, "2.0"):
		return 1.05
	default:
		return 1.0
	}
}

// Scored pairs a descriptor with its score.
type Scored struct {
	Model registry.ModelDescriptor
	Score float64
}

// Rank scores every model in the snapshot, best first. Equal scores keep
// snapshot order (performance score descending, then name ascending).
func (s Scorer) Rank(snap *registry.Snapshot, tags []string, hints Hints) []Scored {
	models := snap.Models()
	newest := snap.Newest()

	out := make([]Scored, len(models))
	for i, m := range models {
		out[i] = Scored{Model: m, Score: s.Score(m, tags, hints, newest)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
