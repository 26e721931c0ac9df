// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/ollama"
)

const (
	summarySystemPrompt = "You are summarizing a conversation for memory storage. " +
		"Create a concise but comprehensive summary that captures key topics, decisions, and important details. " +
		"Focus on information that would be useful for future reference."
	summaryTemperature = 0.1
	defaultSummaryMax  = 200
	defaultClaudeModel = "claude-3-5-haiku-latest"
)

// Summarizer condenses archived entries into one paragraph.
type Summarizer interface {
	Summarize(ctx context.Context, entries []Entry) (string, error)
	Name() string
}

// NewSummarizer builds the configured summarizer. Unknown providers and an
// anthropic provider without a key yield the heuristic summarizer.
func NewSummarizer(cfg config.SummarizerConfig, chat ChatClient) Summarizer {
	switch cfg.Provider {
	case "ollama":
		if chat != nil {
			return NewOllamaSummarizer(chat, cfg.Model, cfg.MaxTokens)
		}
	case "anthropic":
		if s, err := NewAnthropicSummarizer(cfg); err == nil {
			return s
		}
	}
	return HeuristicSummarizer{}
}

// summaryPrompt renders entries as "Role: content" lines.
func summaryPrompt(entries []Entry) string {
	var b strings.Builder
	b.WriteString("Summarize this conversation:\n\n")
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(capitalize(e.Role))
		b.WriteString(": ")
		b.WriteString(e.Content)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// =============================================================================
// HEURISTIC
// =============================================================================

// HeuristicSummarizer extracts coarse topics from user turns. It never
// fails and needs no network.
type HeuristicSummarizer struct{}

// Name returns "heuristic".
func (HeuristicSummarizer) Name() string { return "heuristic" }

var topicWords = []struct {
	topic string
	words []string
}{
	{"programming", []string{"function", "code", "python", "programming"}},
	{"mathematics", []string{"math", "calculate", "equation"}},
	{"explanation", []string{"explain", "what", "how", "why"}},
}

// Summarize produces "Conversation about X, Y. Discussed N topics between
// HH:MM and HH:MM." Each user turn contributes at most one topic.
func (HeuristicSummarizer) Summarize(_ context.Context, entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", errors.New("no entries to summarize")
	}

	var topics []string
	seen := make(map[string]bool)
	userTurns := 0
	for _, e := range entries {
		if e.Role != RoleUser {
			continue
		}
		userTurns++
		words := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(e.Content)) {
			words[w] = true
		}
		for _, t := range topicWords {
			if hasAnyWord(words, t.words) {
				if !seen[t.topic] {
					seen[t.topic] = true
					topics = append(topics, t.topic)
				}
				break
			}
		}
	}

	var b strings.Builder
	if len(topics) > 0 {
		fmt.Fprintf(&b, "Conversation about %s. ", strings.Join(topics, ", "))
	} else {
		b.WriteString("General conversation. ")
	}
	fmt.Fprintf(&b, "Discussed %d topics between %s and %s.",
		userTurns,
		entries[0].Timestamp.Format("15:04"),
		entries[len(entries)-1].Timestamp.Format("15:04"))
	return b.String(), nil
}

func hasAnyWord(words map[string]bool, want []string) bool {
	for _, w := range want {
		if words[w] {
			return true
		}
	}
	return false
}

// =============================================================================
// OLLAMA
// =============================================================================

// ChatClient is the part of the Ollama client used for summaries.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, opts *ollama.Options) (*ollama.ChatResponse, error)
}

// OllamaSummarizer asks a local model for the summary.
type OllamaSummarizer struct {
	client    ChatClient
	model     string
	maxTokens int
}

// NewOllamaSummarizer creates a summarizer backed by a local model.
func NewOllamaSummarizer(client ChatClient, model string, maxTokens int) *OllamaSummarizer {
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMax
	}
	return &OllamaSummarizer{client: client, model: model, maxTokens: maxTokens}
}

// Name returns "ollama:<model>".
func (o *OllamaSummarizer) Name() string { return "ollama:" + o.model }

// Summarize sends the conversation to the local model.
func (o *OllamaSummarizer) Summarize(ctx context.Context, entries []Entry) (string, error) {
	resp, err := o.client.Chat(ctx, o.model, []ollama.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: summaryPrompt(entries)},
	}, &ollama.Options{Temperature: summaryTemperature, NumPredict: o.maxTokens})
	if err != nil {
		return "", fmt.Errorf("ollama summary: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", errors.New("ollama summary: empty response")
	}
	return text, nil
}

// =============================================================================
// ANTHROPIC
// =============================================================================

// messageCreator is the part of the Anthropic client used for summaries.
type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicSummarizer asks Claude for the summary through the Messages API.
type AnthropicSummarizer struct {
	messages  messageCreator
	model     string
	maxTokens int64
}

// NewAnthropicSummarizer creates a summarizer from cfg. An empty API key is
// an error.
func NewAnthropicSummarizer(cfg config.SummarizerConfig) (*AnthropicSummarizer, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("anthropic summarizer: api key required")
	}
	client := anthropic.NewClient(option.WithAPIKey(key), option.WithMaxRetries(1))
	model := cfg.Model
	if model == "" || !strings.HasPrefix(model, "claude") {
		model = defaultClaudeModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMax
	}
	return &AnthropicSummarizer{messages: &client.Messages, model: model, maxTokens: maxTokens}, nil
}

// Name returns "anthropic:<model>".
func (a *AnthropicSummarizer) Name() string { return "anthropic:" + a.model }

// Summarize sends one Messages API request and joins the text blocks.
func (a *AnthropicSummarizer) Summarize(ctx context.Context, entries []Entry) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(summaryTemperature),
		System: []anthropic.TextBlockParam{
			{Text: summarySystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(summaryPrompt(entries))),
		},
	}

	resp, err := a.messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic summary: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", errors.New("anthropic summary: empty response")
	}
	return out, nil
}
