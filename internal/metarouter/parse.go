// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metarouter

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/util"
)

// errMalformed is returned for oracle output that is not a JSON object.
var errMalformed = errors.New("malformed oracle response")

// oracleDecision is the routing object as the oracle returned it.
type oracleDecision struct {
	RecommendedModel      string
	Confidence            float64
	Reasoning             string
	QueryType             string
	Complexity            string
	Specializations       []string
	Alternatives          []string
	ExpectedPerformance   string
	DownloadRecommended   bool
	OptimizedQuery        string
	OptimizationApplied   string
	OptimizationReasoning string
}

// stripFences removes a surrounding Markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func parseObject(raw string) (gjson.Result, error) {
	body := stripFences(raw)
	if !gjson.Valid(body) {
		return gjson.Result{}, fmt.Errorf("%w: %s", errMalformed, util.Preview(body, 80))
	}
	obj := gjson.Parse(body)
	if !obj.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: not an object", errMalformed)
	}
	return obj, nil
}

func stringOr(r gjson.Result, def string) string {
	if s := strings.TrimSpace(r.String()); r.Exists() && s != "" {
		return s
	}
	return def
}

func stringList(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseDecision extracts the routing fields, applying defaults for missing
// keys.
func parseDecision(raw string) (oracleDecision, error) {
	obj, err := parseObject(raw)
	if err != nil {
		return oracleDecision{}, err
	}
	d := oracleDecision{
		RecommendedModel:      strings.TrimSpace(obj.Get("recommended_model").String()),
		Confidence:            0.5,
		Reasoning:             stringOr(obj.Get("reasoning"), "OpenAI model recommendation"),
		QueryType:             stringOr(obj.Get("query_type"), router.TagGeneral),
		Complexity:            stringOr(obj.Get("complexity"), "moderate"),
		Specializations:       stringList(obj.Get("specializations_needed")),
		Alternatives:          stringList(obj.Get("alternative_models")),
		ExpectedPerformance:   stringOr(obj.Get("expected_performance"), "good"),
		DownloadRecommended:   obj.Get("download_recommendation").Bool(),
		OptimizedQuery:        strings.TrimSpace(obj.Get("optimized_query").String()),
		OptimizationApplied:   stringOr(obj.Get("optimization_applied"), "none"),
		OptimizationReasoning: stringOr(obj.Get("optimization_reasoning"), "No optimization applied"),
	}
	if c := obj.Get("confidence"); c.Exists() {
		d.Confidence = c.Float()
	}
	return d, nil
}

// parseTranslation extracts language detection fields. A missing English
// query falls back to the original.
func parseTranslation(raw, query string) (*router.Translation, error) {
	obj, err := parseObject(raw)
	if err != nil {
		return nil, err
	}
	tr := &router.Translation{
		SourceLanguage:      stringOr(obj.Get("original_language"), "unknown"),
		LanguageName:        stringOr(obj.Get("detected_language_name"), "Unknown"),
		EnglishQuery:        stringOr(obj.Get("english_query"), query),
		Applied:             obj.Get("translation_applied").Bool(),
		ResponseInstruction: strings.TrimSpace(obj.Get("response_instruction").String()),
		Confidence:          clamp01(obj.Get("translation_confidence").Float()),
	}
	if !tr.Applied {
		tr.EnglishQuery = query
	}
	return tr, nil
}

// validate turns the oracle's answer into a RoutingDecision against snap.
// An unknown model is replaced with the first snapshot entry and flagged.
func validate(od oracleDecision, snap *registry.Snapshot, query string, tr *router.Translation, metaModel string, now time.Time) (*router.RoutingDecision, error) {
	desc, ok := snap.Lookup(od.RecommendedModel)
	reasoning := od.Reasoning
	substituted := false
	if !ok || od.RecommendedModel == "" {
		first, has := snap.First()
		if !has {
			return nil, registry.ErrEmptyRegistry
		}
		reasoning = fmt.Sprintf("Recommended model %q is not available; using %s. %s",
			od.RecommendedModel, first.FullName, od.Reasoning)
		desc = first
		substituted = true
	}

	optimized := od.OptimizedQuery
	if optimized == "" {
		optimized = query
	}

	d := &router.RoutingDecision{
		Model:               desc.FullName,
		Confidence:          clamp01(od.Confidence),
		Reasoning:           reasoning,
		QueryType:           od.QueryType,
		Complexity:          router.ParseComplexity(od.Complexity),
		Specializations:     od.Specializations,
		Alternatives:        od.Alternatives,
		Method:              router.MethodMeta,
		Substituted:         substituted,
		DownloadNeeded:      !desc.Local,
		ExpectedPerformance: od.ExpectedPerformance,
		Rewrite: &router.QueryRewrite{
			Original:  query,
			Optimized: optimized,
			Level:     od.OptimizationApplied,
			Reasoning: od.OptimizationReasoning,
		},
		Translation: tr,
		MetaModel:   metaModel,
		CreatedAt:   now,
	}
	return d, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
