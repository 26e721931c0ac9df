// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"strings"
	"time"

	"github.com/jeranaias/modelmux/internal/memory/vectorstore"
)

// Roles accepted by AddMemory.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one short-term memory.
type Entry struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Role       string            `json:"role"`
	Timestamp  time.Time         `json:"timestamp"`
	Importance float64           `json:"importance"`
	Tokens     int               `json:"tokens"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"-"`
}

func (e Entry) record() vectorstore.Record {
	return vectorstore.Record{
		ID:         e.ID,
		Content:    e.Content,
		Role:       e.Role,
		Timestamp:  e.Timestamp,
		Importance: e.Importance,
		Metadata:   e.Metadata,
		Embedding:  e.Embedding,
	}
}

// Summary replaces a run of archived entries. Summaries are never modified
// after creation.
type Summary struct {
	ID         string    `json:"id"`
	Text       string    `json:"summary"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	EntryIDs   []string  `json:"original_entries"`
	Importance float64   `json:"importance"`
	Tokens     int       `json:"tokens"`
	CreatedAt  time.Time `json:"created_at"`
}

// Retrieved is a memory candidate scored against a query.
type Retrieved struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	// Source is "short-term-<role>", "long-term-<role>" or "summary".
	Source string `json:"source"`
}

// EstimateTokens approximates a token count as 1.3 tokens per word.
func EstimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}

var (
	problemWords = []string{"error", "problem", "issue", "fix", "help"}
	urgentWords  = []string{"important", "critical", "urgent"}
	codeWords    = []string{"code", "function", "algorithm", "implementation"}
)

// Importance scores how significant content is, in [0, 1].
func Importance(content, role string) float64 {
	score := 0.5
	if role == RoleUser {
		score += 0.1
	}
	lower := strings.ToLower(content)
	if containsAny(lower, problemWords) {
		score += 0.3
	}
	if containsAny(lower, urgentWords) {
		score += 0.2
	}
	if containsAny(lower, codeWords) {
		score += 0.1
	}
	switch n := len([]rune(content)); {
	case n > 200:
		score += 0.1
	case n < 50:
		score -= 0.1
	}
	return clamp01(score)
}

// RecencyBoost is the retrieval bonus for an entry of the given age.
func RecencyBoost(age time.Duration) float64 {
	switch {
	case age < time.Hour:
		return 0.3
	case age < 6*time.Hour:
		return 0.2
	case age < 24*time.Hour:
		return 0.1
	default:
		return 0
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
