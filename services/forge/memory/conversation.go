// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

var (
	conversationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skiff",
		Subsystem: "memory",
		Name:      "conversations_active",
		Help:      "Number of conversations currently retained.",
	})

	conversationsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "memory",
		Name:      "conversations_evicted_total",
		Help:      "Conversations removed by TTL or cap cleanup.",
	})

	summariesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "memory",
		Name:      "summaries_total",
		Help:      "Conversation prefix summarizations performed.",
	})
)

const summarizePrompt = `Condense the following conversation into a short summary that preserves
facts, decisions, and open questions. Reply with the summary only.

%s`

const titlePrompt = `Write a title of at most six words for a conversation that starts with:

%s

Reply with the title only.`

// =============================================================================
// Types
// =============================================================================

// UTCTime is a time.Time that tolerates zone-less timestamps on load.
//
// Conversation files written by earlier builds carried naive local
// times; those are interpreted as UTC when read back. Marshaling
// always emits RFC 3339 in UTC.
type UTCTime struct {
	time.Time
}

func utcNow() UTCTime {
	return UTCTime{time.Now().UTC()}
}

// MarshalJSON implements json.Marshaler.
func (t UTCTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler. Accepts RFC 3339 and
// zone-less "2006-01-02T15:04:05" / "2006-01-02 15:04:05" forms,
// with or without fractional seconds.
func (t *UTCTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	} {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// Message is one dialog turn.
type Message struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp UTCTime `json:"timestamp"`
}

// Conversation is an ordered dialog with rolling summarization.
//
// Messages holds only the unsummarized suffix. Earlier turns are
// folded into Summary and counted by SummarizedCount, so the total
// turn count is SummarizedCount + len(Messages).
type Conversation struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	Messages        []Message `json:"messages"`
	Summary         string    `json:"summary,omitempty"`
	SummarizedCount int       `json:"summarized_count"`
	CreatedAt       UTCTime   `json:"created_at"`
	UpdatedAt       UTCTime   `json:"updated_at"`
}

// TotalMessages counts all turns, including those folded into the
// summary.
func (c *Conversation) TotalMessages() int {
	return c.SummarizedCount + len(c.Messages)
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	return &cp
}

// Info is one row of a conversation listing.
type Info struct {
	ID        string  `json:"id"`
	Title     string  `json:"title,omitempty"`
	Messages  int     `json:"messages"`
	UpdatedAt UTCTime `json:"updated_at"`
}

// =============================================================================
// ConversationMemory
// =============================================================================

// ConversationMemory maps conversation id to dialog state.
//
// # Description
//
// Dialogs grow by appended turns. When the unsummarized suffix exceeds
// the configured threshold, the oldest turns are folded into a running
// summary via the LLM, keeping the most recent threshold/2 verbatim.
// Idle conversations are evicted after a TTL, and a hard cap bounds
// how many are retained at once.
//
// When persistence is enabled each conversation is one JSON file under
// the configured conversations directory, written atomically.
//
// # Thread Safety
//
// Safe for concurrent use. The conversation map is guarded by one
// mutex; each conversation carries its own lock so long operations
// (summarization) on one dialog never block the others.
type ConversationMemory struct {
	provider   *config.Provider
	summarizer Summarizer
	logger     *logging.Logger
	dir        string // empty disables persistence

	mu    sync.Mutex
	convs map[string]*lockedConversation
}

type lockedConversation struct {
	mu      sync.Mutex
	conv    *Conversation
	deleted bool
}

// NewConversationMemory builds the store and, when persistence is
// enabled, loads every conversation file from the configured
// directory.
func NewConversationMemory(provider *config.Provider, summarizer Summarizer, logger *logging.Logger) (*ConversationMemory, error) {
	m := &ConversationMemory{
		provider:   provider,
		summarizer: summarizer,
		logger:     logger,
		convs:      make(map[string]*lockedConversation),
	}

	cfg := provider.Snapshot()
	if cfg.Memory.PersistConversations {
		m.dir = cfg.Paths.ConversationsDir
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create conversations dir: %w", err)
		}
		if err := m.loadAll(); err != nil {
			return nil, err
		}
	}
	conversationsActive.Set(float64(len(m.convs)))
	return m, nil
}

// Create starts a new empty conversation and returns a snapshot of it.
// The cap on retained conversations is enforced here, so creating the
// hundred-and-first evicts the stalest.
func (m *ConversationMemory) Create(ctx context.Context) (*Conversation, error) {
	_, span := tracer.Start(ctx, "ConversationMemory.Create")
	defer span.End()

	now := utcNow()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.persist(conv); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.convs[conv.ID] = &lockedConversation{conv: conv}
	size := len(m.convs)
	m.mu.Unlock()
	conversationsActive.Set(float64(size))
	m.logger.Debug("Created conversation", "conversation_id", conv.ID)

	if _, err := m.Cleanup(ctx); err != nil {
		m.logger.Warn("Conversation cleanup after create failed", "error", err)
	}
	return conv.clone(), nil
}

// Append records one turn. When the unsummarized suffix crosses the
// threshold the oldest turns are folded into the summary; a failed
// summarization is logged and the full history kept, so the appended
// turn is never lost.
func (m *ConversationMemory) Append(ctx context.Context, id, role, content string) error {
	ctx, span := tracer.Start(ctx, "ConversationMemory.Append")
	defer span.End()

	lc, err := m.get(id)
	if err != nil {
		return err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.deleted {
		return datatypes.E(datatypes.KindNotFound, "conversation %q not found", id)
	}

	now := utcNow()
	lc.conv.Messages = append(lc.conv.Messages, Message{Role: role, Content: content, Timestamp: now})
	lc.conv.UpdatedAt = now

	threshold := m.provider.Snapshot().Memory.SummarizeThreshold
	if len(lc.conv.Messages) > threshold {
		if err := m.summarizeLocked(ctx, lc.conv, threshold); err != nil {
			m.logger.Warn("Conversation summarization failed, keeping full history",
				"conversation_id", id, "error", err)
			span.RecordError(err)
		}
	}
	return m.persist(lc.conv)
}

// LastN returns the most recent n turns as LLM chat context. When a
// summary exists it is prepended as a system message so the model
// still sees the folded history. n <= 0 returns every retained turn.
func (m *ConversationMemory) LastN(ctx context.Context, id string, n int) ([]llm.Message, error) {
	_, span := tracer.Start(ctx, "ConversationMemory.LastN")
	defer span.End()

	lc, err := m.get(id)
	if err != nil {
		return nil, err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.deleted {
		return nil, datatypes.E(datatypes.KindNotFound, "conversation %q not found", id)
	}

	msgs := lc.conv.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	if lc.conv.Summary != "" {
		out = append(out, llm.Message{
			Role:    "system",
			Content: "Summary of the conversation so far: " + lc.conv.Summary,
		})
	}
	for _, msg := range msgs {
		out = append(out, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return out, nil
}

// Get returns a snapshot of the conversation.
func (m *ConversationMemory) Get(ctx context.Context, id string) (*Conversation, error) {
	lc, err := m.get(id)
	if err != nil {
		return nil, err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.deleted {
		return nil, datatypes.E(datatypes.KindNotFound, "conversation %q not found", id)
	}
	return lc.conv.clone(), nil
}

// List returns every retained conversation, most recently updated
// first.
func (m *ConversationMemory) List(ctx context.Context) []Info {
	m.mu.Lock()
	entries := make([]*lockedConversation, 0, len(m.convs))
	for _, lc := range m.convs {
		entries = append(entries, lc)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(entries))
	for _, lc := range entries {
		lc.mu.Lock()
		infos = append(infos, Info{
			ID:        lc.conv.ID,
			Title:     lc.conv.Title,
			Messages:  lc.conv.TotalMessages(),
			UpdatedAt: lc.conv.UpdatedAt,
		})
		lc.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt.Time)
	})
	return infos
}

// Summarize folds the oldest turns into the summary regardless of the
// threshold, keeping the most recent threshold/2 verbatim.
func (m *ConversationMemory) Summarize(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "ConversationMemory.Summarize")
	defer span.End()

	lc, err := m.get(id)
	if err != nil {
		return err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.deleted {
		return datatypes.E(datatypes.KindNotFound, "conversation %q not found", id)
	}

	threshold := m.provider.Snapshot().Memory.SummarizeThreshold
	if err := m.summarizeLocked(ctx, lc.conv, threshold); err != nil {
		span.RecordError(err)
		return err
	}
	return m.persist(lc.conv)
}

// EnsureTitle generates a short display title from the first user
// turn. Subsequent calls return the stored title without an LLM round
// trip.
func (m *ConversationMemory) EnsureTitle(ctx context.Context, id string) (string, error) {
	ctx, span := tracer.Start(ctx, "ConversationMemory.EnsureTitle")
	defer span.End()

	lc, err := m.get(id)
	if err != nil {
		return "", err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.deleted {
		return "", datatypes.E(datatypes.KindNotFound, "conversation %q not found", id)
	}
	if lc.conv.Title != "" {
		return lc.conv.Title, nil
	}

	var seed string
	for _, msg := range lc.conv.Messages {
		if msg.Role == "user" {
			seed = msg.Content
			break
		}
	}
	if seed == "" {
		seed = lc.conv.Summary
	}
	if seed == "" {
		return "", datatypes.E(datatypes.KindInvalidRequest,
			"conversation %q has no user turns to title", id)
	}
	if len(seed) > 200 {
		seed = seed[:200]
	}

	title, err := m.summarizer.Generate(ctx, fmt.Sprintf(titlePrompt, seed), llm.GenerationParams{
		Temperature: llm.Float32(0.1),
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	if title == "" {
		title = seed
	}
	if len(title) > 80 {
		title = title[:80]
	}

	lc.conv.Title = title
	if err := m.persist(lc.conv); err != nil {
		return "", err
	}
	m.logger.Debug("Titled conversation", "conversation_id", id, "title", title)
	return title, nil
}

// Delete removes the conversation and its file.
func (m *ConversationMemory) Delete(ctx context.Context, id string) error {
	_, span := tracer.Start(ctx, "ConversationMemory.Delete")
	defer span.End()

	m.mu.Lock()
	lc, ok := m.convs[id]
	if ok {
		delete(m.convs, id)
	}
	size := len(m.convs)
	m.mu.Unlock()
	if !ok {
		return datatypes.E(datatypes.KindNotFound, "conversation %q not found", id)
	}
	conversationsActive.Set(float64(size))

	lc.mu.Lock()
	lc.deleted = true
	lc.mu.Unlock()

	if err := m.removeFile(id); err != nil {
		return err
	}
	m.logger.Debug("Deleted conversation", "conversation_id", id)
	return nil
}

// Cleanup evicts idle and excess conversations. Idle means no update
// within the TTL; after the TTL pass the oldest-by-update are removed
// until the count fits the configured cap. Returns the eviction count.
func (m *ConversationMemory) Cleanup(ctx context.Context) (int, error) {
	_, span := tracer.Start(ctx, "ConversationMemory.Cleanup")
	defer span.End()

	cfg := m.provider.Snapshot().Memory
	cutoff := time.Now().UTC().Add(-time.Duration(cfg.ConversationTTLHours) * time.Hour)

	type candidate struct {
		id      string
		updated time.Time
	}

	m.mu.Lock()
	all := make([]candidate, 0, len(m.convs))
	for id, lc := range m.convs {
		lc.mu.Lock()
		all = append(all, candidate{id: id, updated: lc.conv.UpdatedAt.Time})
		lc.mu.Unlock()
	}
	m.mu.Unlock()

	var evict []string
	survivors := make([]candidate, 0, len(all))
	for _, c := range all {
		if c.updated.Before(cutoff) {
			evict = append(evict, c.id)
		} else {
			survivors = append(survivors, c)
		}
	}
	if excess := len(survivors) - cfg.MaxConversations; excess > 0 {
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].updated.Before(survivors[j].updated)
		})
		for _, c := range survivors[:excess] {
			evict = append(evict, c.id)
		}
	}

	evicted := 0
	for _, id := range evict {
		if err := m.Delete(ctx, id); err != nil {
			if datatypes.IsKind(err, datatypes.KindNotFound) {
				continue // raced with an explicit delete
			}
			return evicted, err
		}
		evicted++
		conversationsEvicted.Inc()
	}
	if evicted > 0 {
		m.logger.Info("Conversation cleanup evicted entries",
			"evicted", evicted,
			"ttl_hours", cfg.ConversationTTLHours,
			"cap", cfg.MaxConversations)
	}
	return evicted, nil
}

func (m *ConversationMemory) get(id string) (*lockedConversation, error) {
	m.mu.Lock()
	lc, ok := m.convs[id]
	m.mu.Unlock()
	if !ok {
		return nil, datatypes.E(datatypes.KindNotFound, "conversation %q not found", id)
	}
	return lc, nil
}

// summarizeLocked folds all but the most recent threshold/2 turns into
// the running summary. Caller holds the conversation lock.
func (m *ConversationMemory) summarizeLocked(ctx context.Context, conv *Conversation, threshold int) error {
	keep := threshold / 2
	if keep < 1 {
		keep = 1
	}
	if len(conv.Messages) <= keep {
		return nil
	}
	prefix := conv.Messages[:len(conv.Messages)-keep]

	var b strings.Builder
	if conv.Summary != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(conv.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("Dialog:\n")
	for _, msg := range prefix {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	summary, err := m.summarizer.Generate(ctx, fmt.Sprintf(summarizePrompt, b.String()), llm.GenerationParams{
		Temperature: llm.Float32(0.1),
	})
	if err != nil {
		return err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return datatypes.E(datatypes.KindInternalInvariant, "summarizer returned empty text")
	}

	conv.Summary = summary
	conv.SummarizedCount += len(prefix)
	conv.Messages = append([]Message(nil), conv.Messages[len(conv.Messages)-keep:]...)
	summariesTotal.Inc()
	m.logger.Info("Summarized conversation prefix",
		"conversation_id", conv.ID,
		"folded", len(prefix),
		"kept", keep,
		"summarized_count", conv.SummarizedCount)
	return nil
}

// =============================================================================
// Persistence
// =============================================================================

func (m *ConversationMemory) path(id string) string {
	return filepath.Join(m.dir, id+".json")
}

// persist writes the conversation file atomically, temp file then
// rename, so a crash never leaves a half-written dialog behind.
func (m *ConversationMemory) persist(conv *Conversation) error {
	if m.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", conv.ID, err)
	}

	tmp, err := os.CreateTemp(m.dir, ".conv-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close conversation file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path(conv.ID)); err != nil {
		return fmt.Errorf("rename conversation file: %w", err)
	}
	success = true
	return nil
}

func (m *ConversationMemory) removeFile(id string) error {
	if m.dir == "" {
		return nil
	}
	if err := os.Remove(m.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove conversation file: %w", err)
	}
	return nil
}

// loadAll reads every conversation file in the directory. Unreadable
// or corrupt files are skipped with a warning rather than failing
// startup.
func (m *ConversationMemory) loadAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read conversations dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			m.logger.Warn("Skipping unreadable conversation file", "file", name, "error", err)
			continue
		}
		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			m.logger.Warn("Skipping corrupt conversation file", "file", name, "error", err)
			continue
		}
		if conv.ID == "" {
			conv.ID = strings.TrimSuffix(name, ".json")
		}
		m.convs[conv.ID] = &lockedConversation{conv: &conv}
		loaded++
	}
	if loaded > 0 {
		m.logger.Info("Loaded persisted conversations", "count", loaded)
	}
	return nil
}
