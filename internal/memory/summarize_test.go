// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/ollama"
)

func at(h, m int) time.Time {
	return time.Date(2025, 6, 2, h, m, 0, 0, time.UTC)
}

func TestHeuristicSummarizer(t *testing.T) {
	entries := []Entry{
		{Role: RoleUser, Content: "how do I write a python function", Timestamp: at(9, 5)},
		{Role: RoleAssistant, Content: "use def and some code", Timestamp: at(9, 6)},
		{Role: RoleUser, Content: "what is the quadratic equation", Timestamp: at(9, 20)},
		{Role: RoleUser, Content: "write python code for it", Timestamp: at(9, 30)},
		{Role: RoleUser, Content: "thanks", Timestamp: at(9, 40)},
	}
	got, err := HeuristicSummarizer{}.Summarize(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, "Conversation about programming, mathematics. Discussed 4 topics between 09:05 and 09:40.", got)
}

func TestHeuristicSummarizer_General(t *testing.T) {
	entries := []Entry{
		{Role: RoleAssistant, Content: "hello there", Timestamp: at(14, 0)},
		{Role: RoleUser, Content: "nice weather", Timestamp: at(14, 2)},
	}
	got, err := HeuristicSummarizer{}.Summarize(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, "General conversation. Discussed 1 topics between 14:00 and 14:02.", got)
}

func TestHeuristicSummarizer_Empty(t *testing.T) {
	_, err := HeuristicSummarizer{}.Summarize(context.Background(), nil)
	assert.Error(t, err)
}

func TestSummaryPrompt(t *testing.T) {
	got := summaryPrompt([]Entry{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})
	assert.Equal(t, "Summarize this conversation:\n\nUser: hi\nAssistant: hello", got)
}

type fakeChat struct {
	model    string
	messages []ollama.Message
	opts     *ollama.Options
	reply    string
	err      error
}

func (f *fakeChat) Chat(_ context.Context, model string, messages []ollama.Message, opts *ollama.Options) (*ollama.ChatResponse, error) {
	f.model, f.messages, f.opts = model, messages, opts
	if f.err != nil {
		return nil, f.err
	}
	return &ollama.ChatResponse{Message: ollama.Message{Role: "assistant", Content: f.reply}}, nil
}

func TestOllamaSummarizer(t *testing.T) {
	chat := &fakeChat{reply: "  The user asked about Go.  "}
	s := NewOllamaSummarizer(chat, "llama3.2:3b", 0)

	got, err := s.Summarize(context.Background(), []Entry{{Role: RoleUser, Content: "go?"}})
	require.NoError(t, err)
	assert.Equal(t, "The user asked about Go.", got)
	assert.Equal(t, "llama3.2:3b", chat.model)
	require.Len(t, chat.messages, 2)
	assert.Equal(t, summarySystemPrompt, chat.messages[0].Content)
	assert.Equal(t, "Summarize this conversation:\n\nUser: go?", chat.messages[1].Content)
	assert.Equal(t, 200, chat.opts.NumPredict)
	assert.Equal(t, 0.1, chat.opts.Temperature)
	assert.Equal(t, "ollama:llama3.2:3b", s.Name())
}

func TestOllamaSummarizer_Errors(t *testing.T) {
	s := NewOllamaSummarizer(&fakeChat{err: errors.New("down")}, "m", 50)
	_, err := s.Summarize(context.Background(), []Entry{{Role: RoleUser, Content: "x"}})
	assert.Error(t, err)

	s = NewOllamaSummarizer(&fakeChat{reply: "   "}, "m", 50)
	_, err = s.Summarize(context.Background(), []Entry{{Role: RoleUser, Content: "x"}})
	assert.Error(t, err)
}

type fakeMessages struct {
	params anthropic.MessageNewParams
	resp   *anthropic.Message
	err    error
}

func (f *fakeMessages) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = params
	return f.resp, f.err
}

func TestAnthropicSummarizer(t *testing.T) {
	fake := &fakeMessages{resp: &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "Discussed "},
			{Type: "text", Text: "channels."},
		},
	}}
	s := &AnthropicSummarizer{messages: fake, model: defaultClaudeModel, maxTokens: 200}

	got, err := s.Summarize(context.Background(), []Entry{{Role: RoleUser, Content: "channels"}})
	require.NoError(t, err)
	assert.Equal(t, "Discussed channels.", got)
	assert.Equal(t, int64(200), fake.params.MaxTokens)
	assert.Equal(t, anthropic.Model(defaultClaudeModel), fake.params.Model)
	require.Len(t, fake.params.System, 1)
	assert.Equal(t, summarySystemPrompt, fake.params.System[0].Text)
	require.Len(t, fake.params.Messages, 1)
}

func TestAnthropicSummarizer_Error(t *testing.T) {
	s := &AnthropicSummarizer{messages: &fakeMessages{err: errors.New("overloaded")}, model: "claude", maxTokens: 10}
	_, err := s.Summarize(context.Background(), []Entry{{Role: RoleUser, Content: "x"}})
	assert.Error(t, err)

	s = &AnthropicSummarizer{messages: &fakeMessages{resp: &anthropic.Message{}}, model: "claude", maxTokens: 10}
	_, err = s.Summarize(context.Background(), []Entry{{Role: RoleUser, Content: "x"}})
	assert.Error(t, err)
}

func TestNewSummarizer(t *testing.T) {
	assert.Equal(t, "heuristic", NewSummarizer(config.SummarizerConfig{Provider: "heuristic"}, nil).Name())
	assert.Equal(t, "heuristic", NewSummarizer(config.SummarizerConfig{Provider: "ollama"}, nil).Name())
	assert.Equal(t, "ollama:llama3.2:3b",
		NewSummarizer(config.SummarizerConfig{Provider: "ollama", Model: "llama3.2:3b"}, &fakeChat{}).Name())
	assert.Equal(t, "heuristic", NewSummarizer(config.SummarizerConfig{Provider: "anthropic"}, nil).Name())
	assert.Equal(t, "anthropic:"+defaultClaudeModel,
		NewSummarizer(config.SummarizerConfig{Provider: "anthropic", APIKey: "sk-test", Model: "llama3.2:3b"}, nil).Name())
}
