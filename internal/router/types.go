// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// SPECIALIZATION TAGS
// ============================================================================

// Specialization tags produced by the classifier.
const (
	TagCoding       = "coding"
	TagMath         = "math"
	TagCreative     = "creative"
	TagReasoning    = "reasoning"
	TagConversation = "conversation"
	TagVision       = "vision"
	TagGeneral      = "general"
)

// ============================================================================
// ROUTING METHOD
// ============================================================================

// Method records which path produced a routing decision.
type Method string

const (
	// MethodLocal is the keyword classifier and scoring engine.
	MethodLocal Method = "local"
	// MethodMeta is a decision made by the oracle model.
	MethodMeta Method = "openai_meta"
	// MethodFallback is a local decision substituted for a failed oracle call.
	MethodFallback Method = "fallback"
)

func (m Method) String() string { return string(m) }

// ============================================================================
// QUERY COMPLEXITY
// ============================================================================

// Complexity is a coarse estimate of how demanding a query is.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

// String returns the lowercase tier name.
func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return fmt.Sprintf("Complexity(%d)", int(c))
	}
}

// ParseComplexity maps a tier name to a Complexity. Unknown names are
// moderate.
func ParseComplexity(s string) Complexity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple", "trivial", "low":
		return ComplexitySimple
	case "complex", "expert", "high":
		return ComplexityComplex
	default:
		return ComplexityModerate
	}
}

// MarshalText encodes the tier name.
func (c Complexity) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a tier name.
func (c *Complexity) UnmarshalText(b []byte) error {
	*c = ParseComplexity(string(b))
	return nil
}

// ============================================================================
// ROUTING DECISION
// ============================================================================

// RoutingDecision is the output of a routing path. Model always names an
// entry of the registry snapshot the decision was made against, except when
// the registry was empty and a fallback default was activated instead.
type RoutingDecision struct {
	Model           string     `json:"model"`
	Confidence      float64    `json:"confidence"`
	Reasoning       string     `json:"reasoning"`
	QueryType       string     `json:"query_type"`
	Complexity      Complexity `json:"complexity"`
	Specializations []string   `json:"specializations_needed"`
	Alternatives    []string   `json:"alternative_models"`
	Method          Method     `json:"routing_method"`

	// Substituted is set when the oracle named a model that is not in the
	// registry and the first registry entry was used instead.
	Substituted bool `json:"substituted,omitempty"`

	DownloadNeeded      bool   `json:"download_needed"`
	ExpectedPerformance string `json:"expected_performance,omitempty"`

	Rewrite     *QueryRewrite `json:"rewrite,omitempty"`
	Translation *Translation  `json:"translation,omitempty"`

	MetaModel string    `json:"meta_model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// String returns a one-line summary for logs.
func (d RoutingDecision) String() string {
	return fmt.Sprintf("RoutingDecision{model=%s, method=%s, confidence=%.2f, type=%s}",
		d.Model, d.Method, d.Confidence, d.QueryType)
}

// Enhanced reports whether the decision carries a rewritten query.
func (d RoutingDecision) Enhanced() bool {
	return d.Rewrite != nil && d.Rewrite.Enhanced()
}

// QueryRewrite is an optimized rephrasing of the user's query. Original is
// kept for display.
type QueryRewrite struct {
	Original  string `json:"original_query"`
	Optimized string `json:"optimized_query"`
	Level     string `json:"enhancement_level,omitempty"`
	Reasoning string `json:"optimization_reasoning,omitempty"`
}

// Enhanced reports whether the optimized text differs from the original.
func (q QueryRewrite) Enhanced() bool {
	return q.Optimized != "" && q.Optimized != q.Original
}

// Translation is the oracle's language detection result.
type Translation struct {
	SourceLanguage      string  `json:"original_language"`
	LanguageName        string  `json:"detected_language_name"`
	EnglishQuery        string  `json:"english_query"`
	Applied             bool    `json:"translation_applied"`
	ResponseInstruction string  `json:"response_instruction"`
	Confidence          float64 `json:"translation_confidence"`
}

// ============================================================================
// QUERY OPTIONS AND RESPONSE
// ============================================================================

// Hints carries per-session context for scoring.
type Hints struct {
	// PreviousModel is the model that answered the previous turn.
	PreviousModel string
}

// QueryOptions controls a single Query call.
type QueryOptions struct {
	// Model bypasses selection when set.
	Model string
	// RoutingQuery is the user's own text when the prompt carries extra
	// context. Classification and decision caching use it; generation
	// still uses the full prompt.
	RoutingQuery string
	Hints
}

// RoutingText returns the text to classify for prompt.
func (o QueryOptions) RoutingText(prompt string) string {
	if o.RoutingQuery != "" {
		return o.RoutingQuery
	}
	return prompt
}

// Response is the result of a routed generation.
type Response struct {
	Response            string    `json:"response"`
	Model               string    `json:"model"`
	ResponseTimeMs      int64     `json:"response_time_ms"`
	Timestamp           time.Time `json:"timestamp"`
	SpecializationsUsed []string  `json:"specializations_used"`
	RoutingMethod       Method    `json:"routing_method"`
	// RetriedWith is the safe model used after the chosen model failed.
	RetriedWith string `json:"retried_with,omitempty"`
}

// Generation is the raw output of the inference call with retry.
type Generation struct {
	Text        string
	Model       string
	RetriedWith string
}
