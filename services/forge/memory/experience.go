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
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

var (
	experiencesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "memory",
		Name:      "experiences_saved_total",
		Help:      "Task experiences written to the vector store.",
	})

	experienceQueries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "memory",
		Name:      "experience_queries_total",
		Help:      "Similarity queries against stored experiences.",
	})
)

// previewLimit caps the artifact excerpts stored as metadata and
// embedded into the retrieval document.
const previewLimit = 500

// Experience is one recorded task outcome with its retrieval metadata.
type Experience struct {
	ID           int64   `json:"id"`
	TaskID       string  `json:"task_id,omitempty"`
	Task         string  `json:"task"`
	IntentType   string  `json:"intent_type"`
	Overall      float64 `json:"overall"`
	Planning     float64 `json:"planning"`
	Research     float64 `json:"research"`
	Testing      float64 `json:"testing"`
	Coding       float64 `json:"coding"`
	WhatWorked   string  `json:"what_worked,omitempty"`
	WhatFailed   string  `json:"what_failed,omitempty"`
	KeyDecisions string  `json:"key_decisions,omitempty"`
	Plan         string  `json:"plan,omitempty"`
	Code         string  `json:"code,omitempty"`

	// Similarity is query-time closeness to the search text,
	// 1 - cosine distance. Zero on save.
	Similarity float64 `json:"similarity,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// HasCode reports whether a finished code artifact was stored.
func (e *Experience) HasCode() bool { return strings.TrimSpace(e.Code) != "" }

// HasPlan reports whether a finished plan artifact was stored.
func (e *Experience) HasPlan() bool { return strings.TrimSpace(e.Plan) != "" }

// TaskExperienceMemory is an append-only store of task outcomes with
// similarity search.
//
// # Description
//
// Saves write a formatted document to the weaviate TaskExperience
// class, vectorized through the LLM runtime's embeddings endpoint.
// FindSimilar runs a nearVector query filtered by intent and minimum
// success; FindExact applies the configured similarity floor on top
// and is used to short-circuit the workflow with a stored answer.
//
// Every experience receives a monotonically increasing id whose
// high-water mark is persisted to disk before use, so restarts never
// reissue an id.
//
// # Thread Safety
//
// Safe for concurrent use. The id counter is mutex-guarded; weaviate
// calls go through the client's own connection handling.
type TaskExperienceMemory struct {
	client   *weaviate.Client
	embedder Embedder
	provider *config.Provider
	logger   *logging.Logger

	mu     sync.Mutex
	nextID int64
	idPath string
}

// NewTaskExperienceMemory builds the store and loads the persisted id
// high-water mark. The schema must already exist; see EnsureSchema.
func NewTaskExperienceMemory(client *weaviate.Client, embedder Embedder, provider *config.Provider, logger *logging.Logger) (*TaskExperienceMemory, error) {
	if client == nil {
		return nil, datatypes.E(datatypes.KindInternalInvariant, "weaviate client must not be nil")
	}

	m := &TaskExperienceMemory{
		client:   client,
		embedder: embedder,
		provider: provider,
		logger:   logger,
		idPath:   filepath.Join(provider.Snapshot().Paths.OutputDir, "experience_id"),
	}
	if err := m.loadNextID(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save records a task outcome and returns its id.
//
// The embedding is computed first; when the runtime is unreachable the
// error propagates and nothing is written. A zero vector is never
// stored in place of a real one.
func (m *TaskExperienceMemory) Save(ctx context.Context, exp *Experience) (int64, error) {
	ctx, span := tracer.Start(ctx, "TaskExperienceMemory.Save")
	defer span.End()

	if strings.TrimSpace(exp.Task) == "" {
		return 0, datatypes.E(datatypes.KindInvalidRequest, "experience task must not be empty")
	}

	doc := formatDocument(exp)
	vector, err := m.embedder.Embeddings(ctx, doc)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("embed experience document: %w", err)
	}

	id, err := m.allocateID()
	if err != nil {
		return 0, err
	}
	exp.ID = id
	if exp.SavedAt.IsZero() {
		exp.SavedAt = time.Now().UTC()
	}

	// Same document, same object id: re-saving an identical outcome
	// overwrites instead of duplicating.
	hash := sha256.Sum256([]byte(doc))
	objUUID, err := uuid.FromBytes(hash[:16])
	if err != nil {
		return 0, datatypes.E(datatypes.KindInternalInvariant, "derive object id", err)
	}

	obj := &models.Object{
		Class:  TaskExperienceClassName,
		ID:     strfmt.UUID(objUUID.String()),
		Vector: vector,
		Properties: map[string]interface{}{
			"document":       doc,
			"task":           exp.Task,
			"task_id":        exp.TaskID,
			"intent_type":    exp.IntentType,
			"success":        exp.Overall,
			"experience_id":  exp.ID,
			"planning_score": exp.Planning,
			"research_score": exp.Research,
			"testing_score":  exp.Testing,
			"coding_score":   exp.Coding,
			"what_worked":    exp.WhatWorked,
			"what_failed":    exp.WhatFailed,
			"key_decisions":  exp.KeyDecisions,
			"has_code":       exp.HasCode(),
			"has_plan":       exp.HasPlan(),
			"code_preview":   preview(exp.Code),
			"plan_preview":   preview(exp.Plan),
			"code":           exp.Code,
			"plan":           exp.Plan,
			"saved_at":       exp.SavedAt.UnixMilli(),
		},
	}

	resp, err := m.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, datatypes.E(datatypes.KindUpstreamUnavailable, "weaviate batch insert failed", err)
	}
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			msg := item.Result.Errors.Error[0].Message
			return 0, datatypes.E(datatypes.KindUpstreamUnavailable,
				"weaviate rejected experience: %s", msg)
		}
	}

	experiencesSaved.Inc()
	m.logger.Info("Saved task experience",
		"experience_id", exp.ID,
		"intent", exp.IntentType,
		"overall", exp.Overall,
		"has_code", exp.HasCode(),
		"has_plan", exp.HasPlan())
	return id, nil
}

// FindSimilar returns up to max stored experiences closest to text,
// restricted to the given intent (empty matches all) and a minimum
// overall score. Results are ordered nearest first.
func (m *TaskExperienceMemory) FindSimilar(ctx context.Context, text, intent string, minSuccess float64, max int) ([]Experience, error) {
	ctx, span := tracer.Start(ctx, "TaskExperienceMemory.FindSimilar")
	defer span.End()
	experienceQueries.Inc()

	if strings.TrimSpace(text) == "" {
		return nil, datatypes.E(datatypes.KindInvalidRequest, "search text must not be empty")
	}
	if max <= 0 {
		max = 5
	}

	vector, err := m.embedder.Embeddings(ctx, text)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed search text: %w", err)
	}

	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"success"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueNumber(minSuccess),
	}
	if intent != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"intent_type"}).
			WithOperator(filters.Equal).
			WithValueString(intent))
	}
	whereFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)

	nearVector := m.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "task"},
		{Name: "task_id"},
		{Name: "intent_type"},
		{Name: "success"},
		{Name: "experience_id"},
		{Name: "planning_score"},
		{Name: "research_score"},
		{Name: "testing_score"},
		{Name: "coding_score"},
		{Name: "what_worked"},
		{Name: "what_failed"},
		{Name: "key_decisions"},
		{Name: "code"},
		{Name: "plan"},
		{Name: "saved_at"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "distance"},
		}},
	}

	result, err := m.client.GraphQL().Get().
		WithClassName(TaskExperienceClassName).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithNearVector(nearVector).
		WithLimit(max).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "weaviate experience search failed", err)
	}
	if len(result.Errors) > 0 {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
			"weaviate experience search: %s", result.Errors[0].Message)
	}

	parsed, err := ParseGraphQLResponse[taskExperienceQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("parse experience results: %w", err)
	}

	out := make([]Experience, 0, len(parsed.Get.TaskExperience))
	for _, row := range parsed.Get.TaskExperience {
		out = append(out, row.toExperience())
	}
	m.logger.Debug("Experience search",
		"intent", intent,
		"min_success", minSuccess,
		"results", len(out))
	return out, nil
}

// FindExact returns the stored experience close enough to count as the
// same task, or nil when nothing clears the configured similarity and
// success floors.
func (m *TaskExperienceMemory) FindExact(ctx context.Context, text string) (*Experience, error) {
	ctx, span := tracer.Start(ctx, "TaskExperienceMemory.FindExact")
	defer span.End()

	cfg := m.provider.Snapshot().Memory
	matches, err := m.FindSimilar(ctx, text, "", cfg.ExperienceMinSuccess, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	best := matches[0]
	if best.Similarity < cfg.ExperienceSimilarityThreshold {
		m.logger.Debug("Best experience below exact-match threshold",
			"similarity", best.Similarity,
			"threshold", cfg.ExperienceSimilarityThreshold)
		return nil, nil
	}
	m.logger.Info("Exact experience match",
		"experience_id", best.ID,
		"similarity", best.Similarity,
		"overall", best.Overall)
	return &best, nil
}

// loadNextID restores the id high-water mark from disk. A missing
// counter file means a fresh store.
func (m *TaskExperienceMemory) loadNextID() error {
	data, err := os.ReadFile(m.idPath)
	if os.IsNotExist(err) {
		m.nextID = 1
		return nil
	}
	if err != nil {
		return fmt.Errorf("read experience id counter: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return fmt.Errorf("parse experience id counter %q: %w", strings.TrimSpace(string(data)), err)
	}
	m.nextID = n + 1
	return nil
}

// allocateID reserves the next monotonic id, persisting the high-water
// mark before the id is used so restarts never reissue one.
func (m *TaskExperienceMemory) allocateID() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	if err := os.MkdirAll(filepath.Dir(m.idPath), 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	tmpPath := m.idPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(strconv.FormatInt(id, 10)), 0o644); err != nil {
		return 0, fmt.Errorf("write experience id counter: %w", err)
	}
	if err := os.Rename(tmpPath, m.idPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename experience id counter: %w", err)
	}
	m.nextID = id + 1
	return id, nil
}

// formatDocument builds the text the embedding is computed from. The
// layout mirrors what the retrieval prompt shows the planner, so
// similarity tracks what the model will actually see.
func formatDocument(exp *Experience) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", exp.Task)
	fmt.Fprintf(&b, "Intent: %s\n", exp.IntentType)
	fmt.Fprintf(&b, "Overall score: %.2f\n", exp.Overall)
	if exp.WhatWorked != "" {
		fmt.Fprintf(&b, "What worked: %s\n", exp.WhatWorked)
	}
	if exp.KeyDecisions != "" {
		fmt.Fprintf(&b, "Key decisions: %s\n", exp.KeyDecisions)
	}
	if exp.HasPlan() {
		fmt.Fprintf(&b, "Plan: %s\n", preview(exp.Plan))
	}
	if exp.HasCode() {
		fmt.Fprintf(&b, "Code: %s\n", preview(exp.Code))
	}
	return b.String()
}

// preview truncates artifact text for metadata and the retrieval
// document.
func preview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit]
}
