// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// MODEL DESCRIPTOR
// =============================================================================

// ModelDescriptor describes one routable model: a base name with the single
// variant tag chosen for this host.
type ModelDescriptor struct {
	Name             string    `json:"name"`
	Tag              string    `json:"tag"`
	FullName         string    `json:"full_name"`
	AvailableTags    []string  `json:"available_tags,omitempty"`
	Specializations  []string  `json:"specializations"`
	PerformanceScore float64   `json:"performance_score"`
	SizeGB           float64   `json:"size_gb"`
	ParameterCount   string    `json:"parameter_count"`
	Quantization     string    `json:"quantization"`
	Local            bool      `json:"is_local"`
	LastUpdated      time.Time `json:"last_updated"`
	Description      string    `json:"description"`
	DownloadPriority int       `json:"download_priority"`
}

// HasSpecialization reports whether the model is tagged with spec.
func (d ModelDescriptor) HasSpecialization(spec string) bool {
	for _, s := range d.Specializations {
		if s == spec {
			return true
		}
	}
	return false
}

// SizeLabel renders the estimated download size, e.g. "4.0GB".
func (d ModelDescriptor) SizeLabel() string {
	return fmt.Sprintf("%.1fGB", d.SizeGB)
}

// FullName returns the name passed to the inference engine. The "latest"
// tag is implicit.
func FullName(base, tag string) string {
	if tag == "" || strings.EqualFold(tag, "latest") {
		return base
	}
	return base + ":" + tag
}

// BaseName strips the tag from a model name.
func BaseName(name string) string {
	base, _, _ := strings.Cut(name, ":")
	return base
}

// =============================================================================
// BEST-TAG POLICY
// =============================================================================

// TagPolicy picks one variant tag per model for the target hardware.
type TagPolicy struct {
	// Preferred sizes, tried in order.
	Preferred []string
	// Avoid excludes oversized variants unless nothing else is left.
	Avoid []string
}

// DefaultTagPolicy prefers 3B-13B variants and avoids 70B and above.
func DefaultTagPolicy() TagPolicy {
	return TagPolicy{
		Preferred: []string{"3b", "7b", "8b", "9b", "13b"},
		Avoid:     []string{"70b", "72b", "90b", "405b"},
	}
}

// BestTag returns the chosen tag, or "" when tags is empty. Avoided sizes
// are dropped (all tags are kept if that would leave none), then the first
// preferred size present wins, then "latest", then the first tag.
func (p TagPolicy) BestTag(tags []string) string {
	if len(tags) == 0 {
		return ""
	}

	suitable := make([]string, 0, len(tags))
	for _, t := range tags {
		if !matchesAny(t, p.Avoid) {
			suitable = append(suitable, t)
		}
	}
	if len(suitable) == 0 {
		suitable = tags
	}

	for _, size := range p.Preferred {
		for _, t := range suitable {
			if sizeMatches(t, size) {
				return t
			}
		}
	}
	for _, t := range suitable {
		if strings.EqualFold(t, "latest") {
			return t
		}
	}
	return suitable[0]
}

// sizeMatches reports whether tag names the size either exactly or as its
// leading token ("7b" matches "7b" and "7b-instruct-q4_K_M" but not "17b").
func sizeMatches(tag, size string) bool {
	tag = strings.ToLower(tag)
	size = strings.ToLower(size)
	return tag == size || strings.HasPrefix(tag, size+"-") || strings.HasPrefix(tag, size+"_")
}

func matchesAny(tag string, sizes []string) bool {
	for _, s := range sizes {
		if sizeMatches(tag, s) {
			return true
		}
	}
	return false
}

// =============================================================================
// SIZE ESTIMATES
// =============================================================================

// sizeTable maps a size token to an approximate Q4_K_M download in GB.
var sizeTable = map[string]float64{
	"0.5b": 0.3, "1b": 0.6, "1.5b": 0.9, "2b": 1.2,
	"3b": 2.0, "3.8b": 2.3, "6b": 3.5, "7b": 4.0,
	"8b": 4.5, "9b": 5.5, "11b": 6.5, "13b": 7.5,
	"14b": 8.0, "16b": 9.0, "27b": 16, "32b": 18,
	"34b": 20, "35b": 20, "70b": 40, "72b": 42,
	"mini": 2.0, "small": 4.0, "medium": 8.0, "latest": 4.0,
}

const (
	defaultSizeGB       = 4.0
	defaultQuantization = "Q4_K_M"
)

// EstimateSizeGB returns the approximate download size for a tag.
func EstimateSizeGB(tag string) float64 {
	token := leadingToken(tag)
	if gb, ok := sizeTable[token]; ok {
		return gb
	}
	return defaultSizeGB
}

// ParameterCount returns a label such as "7B parameters" for a tag.
func ParameterCount(tag string) string {
	token := leadingToken(tag)
	switch token {
	case "mini":
		return "3.8B parameters"
	case "small":
		return "7B parameters"
	case "medium":
		return "14B parameters"
	case "latest", "stable", "":
		return "7B parameters"
	}
	if strings.HasSuffix(token, "b") {
		return strings.ToUpper(token) + " parameters"
	}
	return "7B parameters"
}

func leadingToken(tag string) string {
	tag = strings.ToLower(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// DownloadPriority ranks non-local models for recommendation: the
// performance score, plus 20 for coding models and 15 for general ones,
// minus 10 above 10 GB or plus 5 below 5 GB.
func DownloadPriority(d ModelDescriptor) int {
	priority := int(d.PerformanceScore)
	if d.HasSpecialization("coding") {
		priority += 20
	}
	if d.HasSpecialization("general") {
		priority += 15
	}
	switch {
	case d.SizeGB > 10:
		priority -= 10
	case d.SizeGB < 5:
		priority += 5
	}
	return priority
}
