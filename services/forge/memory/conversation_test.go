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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

func testLogger() *logging.Logger {
	return logging.NewManager(logging.LevelError).Logger(logging.SourceSystem)
}

func testProvider(mutate func(*config.Config)) *config.Provider {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(cfg)
	}
	return config.Static(cfg)
}

type fakeSummarizer struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	reply   string
	err     error
}

func (f *fakeSummarizer) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestConversations(t *testing.T, mutate func(*config.Config), sum Summarizer) *ConversationMemory {
	t.Helper()
	if sum == nil {
		sum = &fakeSummarizer{reply: "summary"}
	}
	m, err := NewConversationMemory(testProvider(mutate), sum, testLogger())
	require.NoError(t, err)
	return m
}

func TestConversationMemory_CreateAppendLastN(t *testing.T) {
	m := newTestConversations(t, nil, nil)
	ctx := context.Background()

	conv, err := m.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	require.NoError(t, m.Append(ctx, conv.ID, "user", "write a csv parser"))
	require.NoError(t, m.Append(ctx, conv.ID, "assistant", "here is one"))

	msgs, err := m.LastN(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.Message{Role: "user", Content: "write a csv parser"}, msgs[0])
	assert.Equal(t, llm.Message{Role: "assistant", Content: "here is one"}, msgs[1])

	last, err := m.LastN(ctx, conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "assistant", last[0].Role)
}

func TestConversationMemory_AppendUnknownConversation(t *testing.T) {
	m := newTestConversations(t, nil, nil)

	err := m.Append(context.Background(), "no-such-id", "user", "hi")
	require.Error(t, err)
	assert.Equal(t, datatypes.KindNotFound, datatypes.KindOf(err))
}

func TestConversationMemory_SummarizeOnThreshold(t *testing.T) {
	sum := &fakeSummarizer{reply: "the user wants a csv parser"}
	m := newTestConversations(t, func(cfg *config.Config) {
		cfg.Memory.SummarizeThreshold = 4
	}, sum)
	ctx := context.Background()

	conv, err := m.Create(ctx)
	require.NoError(t, err)
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, m.Append(ctx, conv.ID, "user", content))
	}

	got, err := m.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "the user wants a csv parser", got.Summary)
	assert.Equal(t, 3, got.SummarizedCount, "oldest prefix folded, threshold/2 kept")
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "m4", got.Messages[0].Content)
	assert.Equal(t, "m5", got.Messages[1].Content)
	assert.Equal(t, 5, got.TotalMessages())

	// The folded turns were what the summarizer saw.
	require.Equal(t, 1, sum.callCount())
	assert.Contains(t, sum.prompts[0], "m1")
	assert.Contains(t, sum.prompts[0], "m3")
	assert.NotContains(t, sum.prompts[0], "m4")

	msgs, err := m.LastN(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "the user wants a csv parser")
}

func TestConversationMemory_SummarizeFailureKeepsHistory(t *testing.T) {
	sum := &fakeSummarizer{err: datatypes.E(datatypes.KindUpstreamUnavailable, "runtime down")}
	m := newTestConversations(t, func(cfg *config.Config) {
		cfg.Memory.SummarizeThreshold = 4
	}, sum)
	ctx := context.Background()

	conv, err := m.Create(ctx)
	require.NoError(t, err)
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, m.Append(ctx, conv.ID, "user", content))
	}

	got, err := m.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Summary)
	assert.Zero(t, got.SummarizedCount)
	assert.Len(t, got.Messages, 5, "no turn is lost when summarization fails")
}

func TestConversationMemory_ExplicitSummarize(t *testing.T) {
	sum := &fakeSummarizer{reply: "recap"}
	m := newTestConversations(t, func(cfg *config.Config) {
		cfg.Memory.SummarizeThreshold = 10
	}, sum)
	ctx := context.Background()

	conv, err := m.Create(ctx)
	require.NoError(t, err)
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"} {
		require.NoError(t, m.Append(ctx, conv.ID, "user", content))
	}
	require.Equal(t, 0, sum.callCount(), "below threshold, no automatic summarization")

	require.NoError(t, m.Summarize(ctx, conv.ID))

	got, err := m.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "recap", got.Summary)
	assert.Len(t, got.Messages, 5, "threshold/2 most recent kept")
	assert.Equal(t, 2, got.SummarizedCount)
}

func TestConversationMemory_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mutate := func(cfg *config.Config) {
		cfg.Memory.PersistConversations = true
		cfg.Paths.ConversationsDir = dir
	}
	m := newTestConversations(t, mutate, nil)
	ctx := context.Background()

	conv, err := m.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Append(ctx, conv.ID, "user", "remember me"))

	path := filepath.Join(dir, conv.ID+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "remember me")

	// A fresh store over the same directory sees the dialog.
	reloaded := newTestConversations(t, mutate, nil)
	got, err := reloaded.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "remember me", got.Messages[0].Content)
	assert.Equal(t, time.UTC, got.Messages[0].Timestamp.Location())
}

func TestConversationMemory_NaiveTimestampsCoercedToUTC(t *testing.T) {
	dir := t.TempDir()
	raw := `{
		"id": "legacy",
		"messages": [
			{"role": "user", "content": "old turn", "timestamp": "2025-03-01T10:00:00"}
		],
		"summarized_count": 0,
		"created_at": "2025-03-01 09:59:00.250000",
		"updated_at": "2025-03-01T10:00:00"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.json"), []byte(raw), 0o644))

	m := newTestConversations(t, func(cfg *config.Config) {
		cfg.Memory.PersistConversations = true
		cfg.Paths.ConversationsDir = dir
	}, nil)

	got, err := m.Get(context.Background(), "legacy")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)

	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, got.Messages[0].Timestamp.Equal(want),
		"naive timestamp read as UTC, got %v", got.Messages[0].Timestamp)
	assert.Equal(t, time.UTC, got.Messages[0].Timestamp.Location())

	wantCreated := time.Date(2025, 3, 1, 9, 59, 0, 250000000, time.UTC)
	assert.True(t, got.CreatedAt.Equal(wantCreated), "got %v", got.CreatedAt)
}

func TestConversationMemory_CorruptFileSkippedOnLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))

	m := newTestConversations(t, func(cfg *config.Config) {
		cfg.Memory.PersistConversations = true
		cfg.Paths.ConversationsDir = dir
	}, nil)
	assert.Empty(t, m.List(context.Background()))
}

func TestConversationMemory_DeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	m := newTestConversations(t, func(cfg *config.Config) {
		cfg.Memory.PersistConversations = true
		cfg.Paths.ConversationsDir = dir
	}, nil)
	ctx := context.Background()

	conv, err := m.Create(ctx)
	require.NoError(t, err)
	path := filepath.Join(dir, conv.ID+".json")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, conv.ID))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "conversation file removed on delete")

	err = m.Delete(ctx, conv.ID)
	require.Error(t, err)
	assert.Equal(t, datatypes.KindNotFound, datatypes.KindOf(err))
}

func TestConversationMemory_CleanupTTL(t *testing.T) {
	dir := t.TempDir()
	stale := `{
		"id": "stale",
		"messages": [],
		"summarized_count": 0,
		"created_at": "2024-01-01T00:00:00Z",
		"updated_at": "2024-01-01T00:00:00Z"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.json"), []byte(stale), 0o644))

	m := newTestConversations(t, func(cfg *config.Config) {
		cfg.Memory.PersistConversations = true
		cfg.Paths.ConversationsDir = dir
	}, nil)
	ctx := context.Background()

	fresh, err := m.Create(ctx)
	require.NoError(t, err)

	evicted, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = m.Get(ctx, "stale")
	assert.Equal(t, datatypes.KindNotFound, datatypes.KindOf(err))
	_, statErr := os.Stat(filepath.Join(dir, "stale.json"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = m.Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestConversationMemory_CleanupCapEvictsOldest(t *testing.T) {
	m := newTestConversations(t, func(cfg *config.Config) {
		cfg.Memory.MaxConversations = 3
	}, nil)
	ctx := context.Background()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		conv, err := m.Create(ctx)
		require.NoError(t, err)
		ids = append(ids, conv.ID)
		time.Sleep(2 * time.Millisecond)
	}

	infos := m.List(ctx)
	require.Len(t, infos, 3, "cap enforced at create time")

	// The two oldest are gone, the newest survives.
	_, err := m.Get(ctx, ids[0])
	assert.Equal(t, datatypes.KindNotFound, datatypes.KindOf(err))
	_, err = m.Get(ctx, ids[1])
	assert.Equal(t, datatypes.KindNotFound, datatypes.KindOf(err))
	_, err = m.Get(ctx, ids[4])
	require.NoError(t, err)
}

func TestConversationMemory_EnsureTitle(t *testing.T) {
	sum := &fakeSummarizer{reply: `"CSV Parser Help"`}
	m := newTestConversations(t, nil, sum)
	ctx := context.Background()

	conv, err := m.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Append(ctx, conv.ID, "user", "help me parse a csv file"))

	title, err := m.EnsureTitle(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "CSV Parser Help", title, "surrounding quotes stripped")
	require.Equal(t, 1, sum.callCount())

	// Second call serves the stored title.
	again, err := m.EnsureTitle(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, title, again)
	assert.Equal(t, 1, sum.callCount())
}

func TestConversationMemory_EnsureTitleNoUserTurns(t *testing.T) {
	m := newTestConversations(t, nil, nil)
	ctx := context.Background()

	conv, err := m.Create(ctx)
	require.NoError(t, err)

	_, err = m.EnsureTitle(ctx, conv.ID)
	require.Error(t, err)
	assert.Equal(t, datatypes.KindInvalidRequest, datatypes.KindOf(err))
}

func TestConversationMemory_ListOrdersByUpdate(t *testing.T) {
	m := newTestConversations(t, nil, nil)
	ctx := context.Background()

	first, err := m.Create(ctx)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Create(ctx)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// Touching the first conversation moves it to the front.
	require.NoError(t, m.Append(ctx, first.ID, "user", "back again"))

	infos := m.List(ctx)
	require.Len(t, infos, 2)
	assert.Equal(t, first.ID, infos[0].ID)
	assert.Equal(t, second.ID, infos[1].ID)
	assert.Equal(t, 1, infos[0].Messages)
}

func TestConversationMemory_ConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	m := newTestConversations(t, func(cfg *config.Config) {
		cfg.Memory.PersistConversations = true
		cfg.Paths.ConversationsDir = dir
		cfg.Memory.SummarizeThreshold = 100
	}, nil)
	ctx := context.Background()

	conv, err := m.Create(ctx)
	require.NoError(t, err)

	const workers = 20
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Append(ctx, conv.ID, "user", "turn")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := m.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, workers)

	// The last write on disk holds the complete dialog.
	data, err := os.ReadFile(filepath.Join(dir, conv.ID+".json"))
	require.NoError(t, err)
	var persisted Conversation
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Len(t, persisted.Messages, workers)

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"),
			"leftover temp file %s", entry.Name())
	}
}
