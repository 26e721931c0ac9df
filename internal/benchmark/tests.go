// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package benchmark

import (
	"strings"

	"github.com/jeranaias/modelmux/internal/router"
)

// Test is one benchmark prompt.
type Test struct {
	Name string
	// Category is the routing specialization the prompt exercises.
	Category  string
	Prompt    string
	Evaluator QualityEvaluator
}

// QualityEvaluator scores a response from 0 to 100.
type QualityEvaluator func(response string) float64

// StandardTests returns the built-in suite, one prompt per specialization
// plus an instruction-following check.
func StandardTests() []Test {
	return []Test{
		{
			Name:     "Greeting",
			Category: router.TagConversation,
			Prompt:   "Say 'Hello' and nothing else.",
			Evaluator: func(response string) float64 {
				if containsAny(strings.ToLower(response), "hello") {
					return 100
				}
				return 50
			},
		},
		{
			Name:     "Code Completion",
			Category: router.TagCoding,
			Prompt:   "Complete this function:\n\ndef fibonacci(n):\n    # Return the nth Fibonacci number",
			Evaluator: func(response string) float64 {
				lower := strings.ToLower(response)
				score := 0.0
				if strings.Contains(lower, "return") {
					score += 20
				}
				if containsAny(lower, "if", "while", "for") {
					score += 20
				}
				if containsAny(lower, "fib", "n-1", "n - 1", "n-2", "n - 2") {
					score += 30
				}
				if strings.Contains(lower, "fibonacci(") || (strings.Contains(lower, "for") && strings.Contains(lower, "range")) {
					score += 30
				}
				return score
			},
		},
		{
			Name:     "Arithmetic",
			Category: router.TagMath,
			Prompt:   "Calculate the sum of the integers from 1 to 100. Give the number and the formula you used.",
			Evaluator: func(response string) float64 {
				score := 0.0
				if strings.Contains(strings.ReplaceAll(response, ",", ""), "5050") {
					score += 70
				}
				if containsAny(strings.ToLower(response), "n(n+1)/2", "n(n + 1)/2", "n(n+1) / 2", "gauss") {
					score += 30
				}
				return score
			},
		},
		{
			Name:     "Haiku",
			Category: router.TagCreative,
			Prompt:   "Write a haiku about autumn rain.",
			Evaluator: func(response string) float64 {
				lines := nonEmptyLines(response)
				switch {
				case len(lines) == 3:
					return 100
				case len(lines) >= 2:
					return 70
				case len(response) > 10:
					return 40
				}
				return 0
			},
		},
		{
			Name:     "Explanation",
			Category: router.TagReasoning,
			Prompt:   "Explain why the sky is blue in a short paragraph.",
			Evaluator: func(response string) float64 {
				lower := strings.ToLower(response)
				score := 0.0
				for _, kw := range []string{"light", "scatter", "wavelength", "atmosphere", "rayleigh"} {
					if strings.Contains(lower, kw) {
						score += 16
					}
				}
				if strings.Count(response, ".") >= 2 {
					score += 20
				}
				return min(score, 100)
			},
		},
		{
			Name:     "Instruction Following",
			Category: router.TagGeneral,
			Prompt:   "List exactly 3 fruits. Format each line as: 1. Fruit",
			Evaluator: func(response string) float64 {
				score := 0.0
				for _, marker := range []string{"1.", "2.", "3."} {
					if strings.Contains(response, marker) {
						score += 25
					}
				}
				if !strings.Contains(response, "4.") {
					score += 25
				}
				return score
			},
		},
	}
}

// FilterTests keeps the tests whose category is in categories. An empty
// filter keeps everything.
func FilterTests(tests []Test, categories []string) []Test {
	if len(categories) == 0 {
		return tests
	}
	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		want[strings.ToLower(strings.TrimSpace(c))] = true
	}
	var out []Test
	for _, t := range tests {
		if want[t.Category] {
			out = append(out, t)
		}
	}
	return out
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
