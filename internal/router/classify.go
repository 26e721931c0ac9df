// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ============================================================================
// KEYWORD TABLES
// ============================================================================

// keywordTable maps a specialization tag to its trigger keywords. Matching
// is by substring on the lowercased query, so "hi" also fires inside
// "this".
type keywordTable struct {
	tag      string
	keywords []string
}

// keywordTables is ordered; Classify reports tags in this order.
var keywordTables = []keywordTable{
	{TagCoding, []string{
		"code", "function", "program", "debug", "error", "implement", "class",
		"method", "variable", "algorithm", "script", "syntax", "python",
		"javascript", "java", "c++", "html", "css", "sql", "api", "database",
		"framework", "library", "package", "import",
	}},
	{TagMath, []string{
		"calculate", "math", "equation", "solve", "formula", "derivative",
		"integral", "statistics", "probability", "algebra", "geometry",
		"calculus", "number", "sum", "average", "percentage",
	}},
	{TagCreative, []string{
		"story", "creative", "write", "poem", "fiction", "narrative",
		"character", "plot", "dialogue", "scene", "chapter", "novel",
		"imagination", "fantasy", "adventure", "romance", "mystery",
		"once upon", "tell a story", "write a", "create a", "imagine", "tale",
		"legend", "fairy tale", "short story", "creative writing",
	}},
	{TagReasoning, []string{
		"explain", "why", "analyze", "reason", "because", "therefore",
		"compare", "contrast", "evaluate", "assess", "conclude", "infer",
		"deduce", "logic", "argument", "evidence",
	}},
	{TagConversation, []string{
		"chat", "talk", "hello", "hi", "how are", "conversation", "discuss",
		"tell me", "what do you think", "opinion",
	}},
	{TagVision, []string{
		"image", "picture", "visual", "see", "look", "photo", "diagram",
		"chart", "graph", "describe image",
	}},
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

// normalize folds compatibility forms (full-width letters, ligatures) and
// lowercases the query.
func normalize(query string) string {
	return strings.ToLower(norm.NFKC.String(query))
}

// Classify returns the specialization tags whose keywords occur in query.
// The result is never empty: a query with no match is {general}.
func Classify(query string) []string {
	q := normalize(query)

	var tags []string
	for _, table := range keywordTables {
		for _, kw := range table.keywords {
			if strings.Contains(q, kw) {
				tags = append(tags, table.tag)
				break
			}
		}
	}
	if len(tags) == 0 {
		return []string{TagGeneral}
	}
	return tags
}

// wordCount returns the number of whitespace separated words.
func wordCount(s string) int {
	return len(strings.Fields(s))
}

// ClassifyComplexity estimates how demanding a query is.
//
// Rules, first match wins:
//  1. Complex: design or trade-off questions, multi-step requests, or more
//     than 40 words
//  2. Moderate: explanations, debugging, comparisons, or more than 12 words
//  3. Simple: everything else
func ClassifyComplexity(query string) Complexity {
	q := normalize(query)
	wc := wordCount(q)

	if strings.Contains(q, "architect") ||
		strings.Contains(q, "design pattern") ||
		strings.Contains(q, "trade-off") ||
		strings.Contains(q, "step by step") ||
		strings.Contains(q, "pros and cons") ||
		strings.Contains(q, "prove") ||
		wc > 40 {
		return ComplexityComplex
	}

	if strings.Contains(q, "explain") ||
		strings.Contains(q, "how") ||
		strings.Contains(q, "why") ||
		strings.Contains(q, "debug") ||
		strings.Contains(q, "compare") ||
		strings.Contains(q, "implement") ||
		wc > 12 {
		return ComplexityModerate
	}

	return ComplexitySimple
}
