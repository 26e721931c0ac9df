// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/embed"
	"github.com/jeranaias/modelmux/internal/memory/vectorstore"
	"github.com/jeranaias/modelmux/internal/telemetry"
	"github.com/jeranaias/modelmux/internal/util"
)

const (
	// relevanceFloor is the minimum score for context lines and for the
	// running summary to be considered at all.
	relevanceFloor = 0.3
	summaryWeight  = 0.8
	importanceGain = 0.2
	contextK       = 5
	contextPreview = 200
)

// System is the hybrid memory for one session.
type System struct {
	mu sync.Mutex

	cfg        config.MemoryConfig
	embedder   embed.Embedder
	store      *vectorstore.Store
	summarizer Summarizer
	now        func() time.Time

	shortTerm []Entry
	running   string
	summaries []Summary
}

// Option configures a System.
type Option func(*System)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *System) { s.now = now }
}

// New creates a memory system. A nil store keeps long-term memory in
// process; a nil summarizer uses the heuristic one.
func New(cfg config.MemoryConfig, embedder embed.Embedder, store *vectorstore.Store, summarizer Summarizer, opts ...Option) *System {
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 10
	}
	if cfg.MinArchive <= 0 {
		cfg.MinArchive = 4
	}
	if embedder == nil {
		embedder = embed.NewHashEmbedder(cfg.Dimension)
	}
	if store == nil {
		store = vectorstore.NewStore(vectorstore.NewFlatIndex(), "", cfg.PersistEvery)
	}
	if summarizer == nil {
		summarizer = HeuristicSummarizer{}
	}
	s := &System{
		cfg:        cfg,
		embedder:   embedder,
		store:      store,
		summarizer: summarizer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EntryOption adjusts an entry before it is stored.
type EntryOption func(*Entry)

// WithImportance overrides the importance heuristic.
func WithImportance(v float64) EntryOption {
	return func(e *Entry) { e.Importance = clamp01(v) }
}

// WithMetadata attaches metadata to the entry.
func WithMetadata(md map[string]string) EntryOption {
	return func(e *Entry) {
		if len(md) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// WithModel records the model that produced the entry.
func WithModel(model string) EntryOption {
	return WithMetadata(map[string]string{"model": model})
}

// AddMemory appends an entry to the short-term buffer and archives older
// entries if the buffer overflows. An embedding failure is logged and the
// entry is kept without one.
func (s *System) AddMemory(ctx context.Context, content, role string, opts ...EntryOption) (string, error) {
	if role != RoleUser && role != RoleAssistant {
		return "", fmt.Errorf("memory: invalid role %q", role)
	}

	e := Entry{
		ID:         uuid.NewString(),
		Content:    content,
		Role:       role,
		Importance: -1,
		Tokens:     EstimateTokens(content),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.Importance < 0 {
		e.Importance = Importance(content, role)
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		log.Printf("MEMORY_EMBED_FAILED | embedder=%s error=%v", s.embedder.Name(), err)
	} else {
		e.Embedding = embed.Normalize(vec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.Timestamp = s.now()
	s.shortTerm = append(s.shortTerm, e)

	if s.overflowLocked() {
		s.archiveLocked(ctx)
	}
	return e.ID, nil
}

func (s *System) overflowLocked() bool {
	tokens := 0
	for _, e := range s.shortTerm {
		tokens += e.Tokens
	}
	return (s.cfg.TokenLimit > 0 && tokens > s.cfg.TokenLimit) ||
		(s.cfg.MaxEntries > 0 && len(s.shortTerm) > s.cfg.MaxEntries)
}

// archiveLocked summarizes every entry except the newest KeepRecent and
// moves them to the long-term store. Failures are logged, never returned.
func (s *System) archiveLocked(ctx context.Context) {
	if len(s.shortTerm) < s.cfg.MinArchive {
		return
	}
	cut := len(s.shortTerm) - s.cfg.KeepRecent
	if cut <= 0 {
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "memory.archive", attribute.Int("entries", cut))
	defer telemetry.EndSpan(span, nil)

	archived := make([]Entry, cut)
	copy(archived, s.shortTerm[:cut])
	s.shortTerm = append([]Entry(nil), s.shortTerm[cut:]...)

	text, err := s.summarizer.Summarize(ctx, archived)
	if err != nil {
		log.Printf("MEMORY_SUMMARY_FAILED | summarizer=%s error=%v", s.summarizer.Name(), err)
		text, _ = HeuristicSummarizer{}.Summarize(ctx, archived)
	}

	sum := Summary{
		ID:        uuid.NewString(),
		Text:      text,
		Start:     archived[0].Timestamp,
		End:       archived[len(archived)-1].Timestamp,
		EntryIDs:  make([]string, 0, len(archived)),
		Tokens:    EstimateTokens(text),
		CreatedAt: s.now(),
	}
	for _, e := range archived {
		sum.EntryIDs = append(sum.EntryIDs, e.ID)
		if e.Importance > sum.Importance {
			sum.Importance = e.Importance
		}
	}
	s.summaries = append(s.summaries, sum)
	s.running = text

	for _, e := range archived {
		if err := s.store.Add(ctx, e.record()); err != nil {
			log.Printf("MEMORY_ARCHIVE_FAILED | id=%s error=%v", e.ID, err)
		}
	}
	log.Printf("MEMORY_ARCHIVED | entries=%d kept=%d summary=%q",
		len(archived), len(s.shortTerm), util.Preview(text, 100))
}

// RetrieveRelevant returns up to k memories ranked against query.
func (s *System) RetrieveRelevant(ctx context.Context, query string, k int, includeShortTerm bool) ([]Retrieved, error) {
	if k <= 0 {
		return nil, nil
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qvec = embed.Normalize(qvec)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var out []Retrieved
	if includeShortTerm {
		for _, e := range s.shortTerm {
			if e.Embedding == nil {
				continue
			}
			sim := embed.Cosine(qvec, e.Embedding)
			out = append(out, Retrieved{
				Content: e.Content,
				Score:   sim * (1 + RecencyBoost(now.Sub(e.Timestamp))),
				Source:  "short-term-" + e.Role,
			})
		}
	}

	hits, err := s.store.Search(ctx, qvec, k)
	if err != nil {
		log.Printf("MEMORY_SEARCH_FAILED | backend=%s error=%v", s.store.Kind(), err)
	}
	for _, h := range hits {
		boost := RecencyBoost(now.Sub(h.Record.Timestamp)) + h.Record.Importance*importanceGain
		out = append(out, Retrieved{
			Content: h.Record.Content,
			Score:   h.Score * (1 + boost),
			Source:  "long-term-" + h.Record.Role,
		})
	}

	if s.running != "" {
		svec, err := s.embedder.Embed(ctx, s.running)
		if err == nil {
			if sim := embed.Cosine(qvec, svec); sim > relevanceFloor {
				out = append(out, Retrieved{
					Content: "Previous conversation summary: " + s.running,
					Score:   sim * summaryWeight,
					Source:  "summary",
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// ContextForQuery prepends relevant history to query. With nothing
// relevant, or on any retrieval error, the query is returned unchanged.
func (s *System) ContextForQuery(ctx context.Context, query string) string {
	mems, err := s.RetrieveRelevant(ctx, query, contextK, true)
	if err != nil {
		log.Printf("MEMORY_CONTEXT_FAILED | error=%v", err)
		return query
	}

	var lines []string
	for _, m := range mems {
		if m.Score > relevanceFloor {
			lines = append(lines, fmt.Sprintf("[%s] %s...", m.Source, util.PrefixRunes(m.Content, contextPreview)))
		}
	}
	if len(lines) == 0 {
		return query
	}
	return "Context from conversation history:\n" + strings.Join(lines, "\n") +
		"\n\nCurrent query: " + query
}

// Messages returns a copy of the short-term buffer, oldest first.
func (s *System) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.shortTerm...)
}

// Summaries returns every summary created so far.
func (s *System) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Summary(nil), s.summaries...)
}

// RunningSummary returns the most recent summary text.
func (s *System) RunningSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ConversationSummary describes the conversation in one line.
func (s *System) ConversationSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.shortTerm) == 0 {
		return "No previous conversation"
	}
	if s.running != "" {
		return "Running summary: " + util.PrefixRunes(s.running, 100) + "..."
	}

	start := len(s.shortTerm) - 5
	if start < 0 {
		start = 0
	}
	var topics []string
	for _, e := range s.shortTerm[start:] {
		if e.Role != RoleUser || len([]rune(e.Content)) <= 10 {
			continue
		}
		topic := util.PrefixRunes(e.Content, 50)
		topic, _, _ = strings.Cut(topic, "?")
		topic, _, _ = strings.Cut(topic, ".")
		topics = append(topics, topic)
	}
	if len(topics) > 3 {
		topics = topics[len(topics)-3:]
	}
	if len(topics) > 0 {
		return "Recent topics: " + strings.Join(topics, ", ")
	}
	return fmt.Sprintf("Conversation with %d exchanges", len(s.shortTerm))
}

// Stats describes the memory state.
type Stats struct {
	ShortTermMemories    int     `json:"short_term_memories"`
	ShortTermTokens      int     `json:"short_term_tokens"`
	TokenLimit           int     `json:"token_limit"`
	TokenUsagePercent    float64 `json:"token_usage_percent"`
	SummariesCreated     int     `json:"summaries_created"`
	RunningSummary       bool    `json:"running_summary"`
	LongTermStorage      string  `json:"long_term_storage"`
	LongTermEntries      int     `json:"long_term_entries"`
	SummarizationEnabled bool    `json:"summarization_enabled"`
	Summarizer           string  `json:"summarizer"`
}

// Stats returns a snapshot of the memory state.
func (s *System) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := 0
	for _, e := range s.shortTerm {
		tokens += e.Tokens
	}
	st := Stats{
		ShortTermMemories: len(s.shortTerm),
		ShortTermTokens:   tokens,
		TokenLimit:        s.cfg.TokenLimit,
		SummariesCreated:  len(s.summaries),
		RunningSummary:    s.running != "",
		LongTermStorage:   s.store.Kind(),
		LongTermEntries:   s.store.Len(),
		Summarizer:        s.summarizer.Name(),
	}
	_, heuristic := s.summarizer.(HeuristicSummarizer)
	st.SummarizationEnabled = !heuristic
	if s.cfg.TokenLimit > 0 {
		st.TokenUsagePercent = float64(tokens) / float64(s.cfg.TokenLimit) * 100
	}
	return st
}

// Close flushes the long-term store.
func (s *System) Close() error {
	return s.store.Close()
}
