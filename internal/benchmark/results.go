// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package benchmark

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/modelmux/internal/util"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

// Result is one model's run over the suite.
type Result struct {
	ModelName       string        `json:"model_name"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Duration        time.Duration `json:"duration"`
	Tests           []TestResult  `json:"tests"`
	AvgLatency      time.Duration `json:"avg_latency"`
	AvgTokensPerSec float64       `json:"avg_tokens_per_sec"`
	AvgQualityScore float64       `json:"avg_quality_score"`
	// CategoryScores is the quality score per specialization.
	CategoryScores map[string]float64 `json:"category_scores,omitempty"`
	PassedTests    int                `json:"passed_tests"`
	FailedTests    int                `json:"failed_tests"`
}

// TestResult is the outcome of one prompt.
type TestResult struct {
	Name         string        `json:"name"`
	Category     string        `json:"category"`
	Status       TestStatus    `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	TokensPerSec float64       `json:"tokens_per_sec"`
	TokenCount   int           `json:"token_count"`
	QualityScore float64       `json:"quality_score"`
	Response     string        `json:"response"`
	Error        string        `json:"error,omitempty"`
}

// TestStatus is the state of a test.
type TestStatus string

const (
	TestStatusRunning TestStatus = "running"
	TestStatusPassed  TestStatus = "passed"
	TestStatusFailed  TestStatus = "failed"
)

// Comparison holds several models' results.
type Comparison struct {
	Models    []string           `json:"models"`
	Results   map[string]*Result `json:"results"`
	StartTime time.Time          `json:"start_time"`
	EndTime   time.Time          `json:"end_time"`
	Duration  time.Duration      `json:"duration"`
}

// computeAggregates fills the averages from passed tests.
func (r *Result) computeAggregates() {
	var (
		latency      time.Duration
		tps, quality float64
		tpsN         int
		catSum       = make(map[string]float64)
		catN         = make(map[string]int)
	)

	for _, t := range r.Tests {
		if t.Status != TestStatusPassed {
			r.FailedTests++
			continue
		}
		r.PassedTests++
		latency += t.Duration
		if t.TokensPerSec > 0 {
			tps += t.TokensPerSec
			tpsN++
		}
		quality += t.QualityScore
		catSum[t.Category] += t.QualityScore
		catN[t.Category]++
	}

	if r.PassedTests > 0 {
		r.AvgLatency = latency / time.Duration(r.PassedTests)
		r.AvgQualityScore = quality / float64(r.PassedTests)
	}
	if tpsN > 0 {
		r.AvgTokensPerSec = tps / float64(tpsN)
	}
	if len(catN) > 0 {
		r.CategoryScores = make(map[string]float64, len(catN))
		for c, n := range catN {
			r.CategoryScores[c] = catSum[c] / float64(n)
		}
	}
}

// BestCategory returns the specialization with the highest quality score.
// Ties go to the alphabetically first category.
func (r *Result) BestCategory() (string, bool) {
	if len(r.CategoryScores) == 0 {
		return "", false
	}
	cats := make([]string, 0, len(r.CategoryScores))
	for c := range r.CategoryScores {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	best := cats[0]
	for _, c := range cats[1:] {
		if r.CategoryScores[c] > r.CategoryScores[best] {
			best = c
		}
	}
	return best, true
}

// Ranked returns the results ordered by quality, then speed. Models with
// no passed tests come last.
func (c *Comparison) Ranked() []*Result {
	out := make([]*Result, 0, len(c.Results))
	for _, m := range c.Models {
		if r := c.Results[m]; r != nil {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.PassedTests > 0) != (b.PassedTests > 0) {
			return a.PassedTests > 0
		}
		if a.AvgQualityScore != b.AvgQualityScore {
			return a.AvgQualityScore > b.AvgQualityScore
		}
		return a.AvgTokensPerSec > b.AvgTokensPerSec
	})
	return out
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Save writes result as JSON under dir and returns the file path.
func Save(dir string, result *Result) (string, error) {
	name := fmt.Sprintf("%s_%s.json", sanitizeFilename(result.ModelName), result.StartTime.Format("20060102-150405"))
	path := filepath.Join(dir, name)
	if err := util.WriteJSONFile(path, result, 0600); err != nil {
		return "", fmt.Errorf("failed to save benchmark: %w", err)
	}
	return path, nil
}

// Load reads a result written by Save.
func Load(path string) (*Result, error) {
	var r Result
	if err := util.ReadJSONFile(path, &r); err != nil {
		return nil, fmt.Errorf("failed to load benchmark: %w", err)
	}
	return &r, nil
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:/\ *?<>|"`, r) {
			return '_'
		}
		return r
	}, name)
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatTokensPerSec formats throughput for display.
func FormatTokensPerSec(tps float64) string {
	if tps == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f t/s", tps)
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "N/A"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}
