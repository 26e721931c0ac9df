// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metarouter

import (
	"fmt"
	"strings"

	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/router"
)

// routerSystemPrompt is the system message for routing calls.
const routerSystemPrompt = "You are an expert AI model router. Respond only with valid JSON."

// Oracle call parameters.
const (
	routeTemperature     = 0.1
	routeMaxTokens       = 500
	translateTemperature = 0.3
	translateMaxTokens   = 300
)

// buildTranslationPrompt asks the oracle to detect the query language and
// produce an English version.
func buildTranslationPrompt(query string) string {
	var b strings.Builder
	b.WriteString("You detect the language of user queries and translate them to English.\n\n")
	fmt.Fprintf(&b, "Query:\n%q\n\n", query)
	b.WriteString(`Respond with a JSON object only:
{
  "original_language": "ISO 639-1 code, e.g. es, fr, de, zh, en",
  "detected_language_name": "language name, e.g. Spanish",
  "english_query": "natural English translation, or the query unchanged if already English",
  "translation_applied": true or false,
  "response_instruction": "e.g. Respond in Spanish, or empty for English",
  "translation_confidence": 0.0 to 1.0
}

Rules:
- English queries are returned unchanged with translation_applied false.
- Keep the meaning and intent of the query exactly.
- The response instruction names the language the final answer must use.`)
	return b.String()
}

// buildRoutingPrompt lists the registry and asks the oracle to pick a model
// and optimize the query for it.
func buildRoutingPrompt(models []registry.ModelDescriptor, query, instruction string) string {
	var b strings.Builder
	b.WriteString("Select the best local model for the user's query and rewrite the query ")
	b.WriteString("so that model answers it as well as possible.\n\n")

	b.WriteString("## Available models\n\n")
	for _, m := range models {
		availability := "Download needed"
		if m.Local {
			availability = "Local"
		}
		desc := m.Description
		if desc == "" {
			desc = "General purpose model"
		}
		fmt.Fprintf(&b, "- %s (%s)\n", m.FullName, m.SizeLabel())
		fmt.Fprintf(&b, "  Specializations: %s\n", strings.Join(m.Specializations, ", "))
		fmt.Fprintf(&b, "  Performance score: %.0f/100\n", m.PerformanceScore)
		fmt.Fprintf(&b, "  Availability: %s\n", availability)
		fmt.Fprintf(&b, "  Description: %s\n\n", desc)
	}

	fmt.Fprintf(&b, "## User query\n\n%q\n", query)
	if instruction != "" {
		fmt.Fprintf(&b, "\n## Response language\n\n%s\n", instruction)
	}

	b.WriteString(`
## Response format (JSON object only)

{
  "recommended_model": "exact model name from the list",
  "confidence": 0.0 to 1.0,
  "reasoning": "why this model fits",
  "query_type": "coding|math|creative|reasoning|general|conversation",
  "complexity": "simple|moderate|complex",
  "specializations_needed": ["tag"],
  "alternative_models": ["model"],
  "expected_performance": "excellent|good|fair",
  "download_recommendation": true or false,
  "optimized_query": "the query rewritten for the chosen model",
  "optimization_applied": "none|brief|moderate|extensive",
  "optimization_reasoning": "what was changed and why"
}

## Selection criteria, in priority order

1. Specialization match with the query type
2. Local models over ones that need a download
3. Higher performance score
4. Size appropriate to the complexity of the task

## Query optimization

- Keep the intent unchanged; add context and specificity.
- Coding: name the language and expected output; ask for error handling.
- Math: ask for step-by-step working.
- Creative: pin down genre, length and tone.
- Leave simple queries simple.`)
	return b.String()
}

// GenerationPrompt returns the text sent to the chosen model: the
// optimized query when the oracle rewrote it, else the English translation
// when one was applied, else the query itself. A response-language
// instruction is appended when present.
func GenerationPrompt(query string, d *router.RoutingDecision) string {
	if d == nil {
		return query
	}
	prompt := query
	tr := d.Translation
	switch {
	case d.Enhanced():
		prompt = d.Rewrite.Optimized
	case tr != nil && tr.Applied && tr.EnglishQuery != "":
		prompt = tr.EnglishQuery
	}
	if tr != nil && strings.TrimSpace(tr.ResponseInstruction) != "" {
		prompt += "\n\n" + strings.TrimSpace(tr.ResponseInstruction)
	}
	return prompt
}

// contextualPrompt applies d to the user's text inside prompt. Memory
// context ends with the user's text, so only that suffix is rewritten.
// When the suffix is missing, prompt is kept and only the response
// instruction is added.
func contextualPrompt(prompt, routed string, d *router.RoutingDecision) string {
	if routed == prompt {
		return GenerationPrompt(prompt, d)
	}
	if strings.HasSuffix(prompt, routed) {
		return strings.TrimSuffix(prompt, routed) + GenerationPrompt(routed, d)
	}
	if d != nil && d.Translation != nil {
		if inst := strings.TrimSpace(d.Translation.ResponseInstruction); inst != "" {
			return prompt + "\n\n" + inst
		}
	}
	return prompt
}
