// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/embed"
)

type clock struct{ t time.Time }

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig(limit, maxEntries int) config.MemoryConfig {
	return config.MemoryConfig{
		Enabled:      true,
		TokenLimit:   limit,
		MaxEntries:   maxEntries,
		KeepRecent:   10,
		MinArchive:   4,
		PersistEvery: 10,
		Dimension:    128,
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder down")
}

func (failingEmbedder) Name() string { return "failing" }

type failingSummarizer struct{ calls int }

func (f *failingSummarizer) Summarize(context.Context, []Entry) (string, error) {
	f.calls++
	return "", errors.New("summarizer down")
}

func (f *failingSummarizer) Name() string { return "failing" }

// tenTokens is eight words, which estimates to 10 tokens.
func tenTokens(i int) string {
	return strings.Repeat("alpha ", 7) + "n" + string(rune('a'+i%26))
}

func TestImportance(t *testing.T) {
	tests := []struct {
		name    string
		content string
		role    string
		want    float64
	}{
		{"short user greeting", "hi", RoleUser, 0.5},
		{"short assistant reply", "ok", RoleAssistant, 0.4},
		{"problem and code", "I have an error in my code, please help", RoleUser, 0.9},
		{"long neutral assistant", strings.Repeat("lorem ", 50), RoleAssistant, 0.6},
		{"clamped", "URGENT critical error fix code help", RoleUser, 1.0},
		{"medium neutral", "The weather today is mild with some clouds around noon.", RoleUser, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Importance(tt.content, tt.role), 1e-9)
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 10, EstimateTokens(tenTokens(0)))
	assert.Equal(t, 13, EstimateTokens(strings.Repeat("w ", 10)))
}

func TestRecencyBoost(t *testing.T) {
	assert.Equal(t, 0.3, RecencyBoost(10*time.Minute))
	assert.Equal(t, 0.2, RecencyBoost(2*time.Hour))
	assert.Equal(t, 0.1, RecencyBoost(12*time.Hour))
	assert.Equal(t, 0.0, RecencyBoost(48*time.Hour))
}

func TestAddMemory_Defaults(t *testing.T) {
	c := newClock()
	m := New(testConfig(4000, 20), embed.NewHashEmbedder(128), nil, nil, WithClock(c.now))

	id, err := m.AddMemory(context.Background(), "fix this function please", RoleUser, WithModel("llama3.2:3b"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	e := msgs[0]
	assert.Equal(t, id, e.ID)
	assert.Equal(t, c.t, e.Timestamp)
	assert.Equal(t, "llama3.2:3b", e.Metadata["model"])
	assert.InDelta(t, Importance("fix this function please", RoleUser), e.Importance, 1e-9)
	assert.Equal(t, 5, e.Tokens)
	assert.NotEmpty(t, e.Embedding)
}

func TestAddMemory_ExplicitImportance(t *testing.T) {
	m := New(testConfig(4000, 20), embed.NewHashEmbedder(64), nil, nil)
	_, err := m.AddMemory(context.Background(), "hello", RoleAssistant, WithImportance(0.95))
	require.NoError(t, err)
	assert.Equal(t, 0.95, m.Messages()[0].Importance)

	_, err = m.AddMemory(context.Background(), "hello", RoleAssistant, WithImportance(0))
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Messages()[1].Importance)
}

func TestAddMemory_InvalidRole(t *testing.T) {
	m := New(testConfig(4000, 20), embed.NewHashEmbedder(64), nil, nil)
	_, err := m.AddMemory(context.Background(), "x", "system")
	assert.Error(t, err)
}

func TestAddMemory_EmbedFailureKeepsEntry(t *testing.T) {
	m := New(testConfig(4000, 20), failingEmbedder{}, nil, nil)
	_, err := m.AddMemory(context.Background(), "still stored", RoleUser)
	require.NoError(t, err)

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Embedding)
	assert.Equal(t, "hi", m.ContextForQuery(context.Background(), "hi"))
}

func TestArchival_TokenOverflowKeepsNewest(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	m := New(testConfig(100, 20), embed.NewHashEmbedder(128), nil, nil, WithClock(c.now))

	for i := 0; i < 10; i++ {
		_, err := m.AddMemory(ctx, tenTokens(i), RoleUser)
		require.NoError(t, err)
		c.advance(time.Minute)
	}
	assert.Len(t, m.Messages(), 10)
	assert.Empty(t, m.Summaries(), "100 tokens is not over the limit")

	_, err := m.AddMemory(ctx, tenTokens(10), RoleUser)
	require.NoError(t, err)

	msgs := m.Messages()
	assert.Len(t, msgs, 10)
	assert.Equal(t, tenTokens(1), msgs[0].Content)
	assert.Equal(t, tenTokens(10), msgs[9].Content)
	require.Len(t, m.Summaries(), 1)
	assert.NotEmpty(t, m.RunningSummary())
	assert.Equal(t, 1, m.Stats().LongTermEntries)
}

func TestArchival_TwentyFiveEntries(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	m := New(testConfig(100, 20), embed.NewHashEmbedder(128), nil, nil, WithClock(c.now))

	for i := 0; i < 25; i++ {
		_, err := m.AddMemory(ctx, tenTokens(i), RoleUser)
		require.NoError(t, err)
		c.advance(time.Minute)
	}

	assert.Len(t, m.Messages(), 10)
	assert.NotEmpty(t, m.RunningSummary())
	// Every add past the tenth crosses the token limit again.
	assert.Len(t, m.Summaries(), 15)
	assert.Equal(t, 15, m.Stats().LongTermEntries)
}

func TestArchival_EntryCapOverflow(t *testing.T) {
	ctx := context.Background()
	m := New(testConfig(100000, 12), embed.NewHashEmbedder(64), nil, nil)

	for i := 0; i < 13; i++ {
		_, err := m.AddMemory(ctx, "turn", RoleAssistant, WithImportance(float64(i)/20))
		require.NoError(t, err)
	}
	assert.Len(t, m.Messages(), 10)
	sums := m.Summaries()
	require.Len(t, sums, 1)
	assert.Len(t, sums[0].EntryIDs, 3)
	assert.InDelta(t, 0.1, sums[0].Importance, 1e-9, "max importance of the archived entries")
}

func TestArchival_SkipsSmallBuffers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(5, 20)
	m := New(cfg, embed.NewHashEmbedder(64), nil, nil)

	for i := 0; i < 3; i++ {
		_, err := m.AddMemory(ctx, tenTokens(i), RoleUser)
		require.NoError(t, err)
	}
	assert.Len(t, m.Messages(), 3)
	assert.Empty(t, m.Summaries())
}

func TestArchival_NothingOlderThanKeep(t *testing.T) {
	ctx := context.Background()
	m := New(testConfig(5, 20), embed.NewHashEmbedder(64), nil, nil)

	for i := 0; i < 10; i++ {
		_, err := m.AddMemory(ctx, tenTokens(i), RoleUser)
		require.NoError(t, err)
	}
	assert.Len(t, m.Messages(), 10)
	assert.Empty(t, m.Summaries())
}

func TestArchival_KeepRecentIsConfigurable(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(100000, 6)
	cfg.KeepRecent = 4
	m := New(cfg, embed.NewHashEmbedder(64), nil, nil)

	for i := 0; i < 7; i++ {
		_, err := m.AddMemory(ctx, "turn", RoleUser)
		require.NoError(t, err)
	}
	assert.Len(t, m.Messages(), 4)
}

func TestArchival_SummarizerFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	sum := &failingSummarizer{}
	m := New(testConfig(100000, 10), embed.NewHashEmbedder(64), nil, sum)

	for i := 0; i < 11; i++ {
		_, err := m.AddMemory(ctx, "explain closures in python", RoleUser)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sum.calls)
	assert.True(t, strings.HasPrefix(m.RunningSummary(), "Conversation about programming."))
}

func TestContextForQuery_EmptyMemory(t *testing.T) {
	m := New(testConfig(4000, 20), embed.NewHashEmbedder(64), nil, nil)
	q := "what is a goroutine"
	assert.Equal(t, q, m.ContextForQuery(context.Background(), q))
}

func TestContextForQuery_IncludesRelevantTurns(t *testing.T) {
	ctx := context.Background()
	m := New(testConfig(4000, 20), embed.NewHashEmbedder(256), nil, nil)
	_, err := m.AddMemory(ctx, "my favourite language is go", RoleUser)
	require.NoError(t, err)
	_, err = m.AddMemory(ctx, strings.Repeat("z", 300), RoleAssistant)
	require.NoError(t, err)

	got := m.ContextForQuery(ctx, "my favourite language is go")
	assert.True(t, strings.HasPrefix(got, "Context from conversation history:\n"))
	assert.Contains(t, got, "[short-term-user] my favourite language is go...")
	assert.True(t, strings.HasSuffix(got, "\n\nCurrent query: my favourite language is go"))
	assert.NotContains(t, got, strings.Repeat("z", 201))
}

func TestRetrieveRelevant_LongTermAndSummary(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	m := New(testConfig(100000, 11), embed.NewHashEmbedder(256), nil, nil, WithClock(c.now))

	_, err := m.AddMemory(ctx, "the deploy key lives in vault", RoleUser, WithImportance(1))
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		_, err := m.AddMemory(ctx, "unrelated chatter "+tenTokens(i), RoleAssistant)
		require.NoError(t, err)
	}
	require.Len(t, m.Summaries(), 1)

	c.advance(2 * time.Hour)
	got, err := m.RetrieveRelevant(ctx, "the deploy key lives in vault", 3, false)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "long-term-user", got[0].Source)
	assert.Equal(t, "the deploy key lives in vault", got[0].Content)
	assert.InDelta(t, 1.0*(1+0.2+1*0.2), got[0].Score, 1e-3)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestRetrieveRelevant_SummaryPseudoEntry(t *testing.T) {
	ctx := context.Background()
	m := New(testConfig(100000, 10), embed.NewHashEmbedder(256), nil, nil)
	for i := 0; i < 11; i++ {
		_, err := m.AddMemory(ctx, "hello", RoleAssistant)
		require.NoError(t, err)
	}
	summary := m.RunningSummary()
	require.NotEmpty(t, summary)

	got, err := m.RetrieveRelevant(ctx, summary, 5, false)
	require.NoError(t, err)
	var found bool
	for _, r := range got {
		if r.Source == "summary" {
			found = true
			assert.Equal(t, "Previous conversation summary: "+summary, r.Content)
			assert.InDelta(t, 0.8, r.Score, 1e-3)
		}
	}
	assert.True(t, found)
}

func TestRetrieveRelevant_ZeroK(t *testing.T) {
	m := New(testConfig(4000, 20), embed.NewHashEmbedder(64), nil, nil)
	got, err := m.RetrieveRelevant(context.Background(), "q", 0, true)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConversationSummary(t *testing.T) {
	ctx := context.Background()
	m := New(testConfig(100000, 50), embed.NewHashEmbedder(64), nil, nil)
	assert.Equal(t, "No previous conversation", m.ConversationSummary())

	_, _ = m.AddMemory(ctx, "short", RoleUser)
	assert.Equal(t, "Conversation with 1 exchanges", m.ConversationSummary())

	_, _ = m.AddMemory(ctx, "How do channels work? I am confused", RoleUser)
	_, _ = m.AddMemory(ctx, "They pass values.", RoleAssistant)
	_, _ = m.AddMemory(ctx, "Tell me about select. And timeouts", RoleUser)
	assert.Equal(t, "Recent topics: How do channels work, Tell me about select", m.ConversationSummary())
}

func TestConversationSummary_RunningSummary(t *testing.T) {
	ctx := context.Background()
	m := New(testConfig(100000, 10), embed.NewHashEmbedder(64), nil, nil)
	for i := 0; i < 11; i++ {
		_, _ = m.AddMemory(ctx, "turn", RoleUser)
	}
	assert.Equal(t, "Running summary: "+m.RunningSummary()+"...", m.ConversationSummary())
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	m := New(testConfig(100, 20), embed.NewHashEmbedder(64), nil, nil)
	_, _ = m.AddMemory(ctx, tenTokens(0), RoleUser)
	_, _ = m.AddMemory(ctx, tenTokens(1), RoleUser)

	st := m.Stats()
	assert.Equal(t, 2, st.ShortTermMemories)
	assert.Equal(t, 20, st.ShortTermTokens)
	assert.Equal(t, 100, st.TokenLimit)
	assert.InDelta(t, 20.0, st.TokenUsagePercent, 1e-9)
	assert.Equal(t, 0, st.SummariesCreated)
	assert.False(t, st.RunningSummary)
	assert.Equal(t, "flat", st.LongTermStorage)
	assert.False(t, st.SummarizationEnabled)
	assert.Equal(t, "heuristic", st.Summarizer)
}
