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
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

// TaskExperienceClassName is the weaviate class holding task outcomes.
const TaskExperienceClassName = "TaskExperience"

// GetTaskExperienceSchema returns the weaviate class for stored task
// outcomes. Vectors are computed by the LLM runtime, not by weaviate,
// so the vectorizer is "none".
func GetTaskExperienceSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       TaskExperienceClassName,
		Description: "A completed task with stage scores, reviewer notes, and finished artifacts.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "document",
				DataType:     []string{"text"},
				Description:  "The formatted retrieval document the vector was computed from.",
				Tokenization: "word",
			},
			{
				Name:         "task",
				DataType:     []string{"text"},
				Description:  "The original task text.",
				Tokenization: "word",
			},
			{
				Name:            "task_id",
				DataType:        []string{"text"},
				Description:     "Request task id the run executed under.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "intent_type",
				DataType:        []string{"text"},
				Description:     "Router intent the task ran under.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "success",
				DataType:        []string{"number"},
				Description:     "Overall score in [0,1].",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "experience_id",
				DataType:        []string{"int"},
				Description:     "Monotonic store id.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:        "planning_score",
				DataType:    []string{"number"},
				Description: "Planning stage score in [0,1].",
			},
			{
				Name:        "research_score",
				DataType:    []string{"number"},
				Description: "Research stage score in [0,1].",
			},
			{
				Name:        "testing_score",
				DataType:    []string{"number"},
				Description: "Testing stage score in [0,1].",
			},
			{
				Name:        "coding_score",
				DataType:    []string{"number"},
				Description: "Coding stage score in [0,1].",
			},
			{
				Name:        "what_worked",
				DataType:    []string{"text"},
				Description: "Reviewer notes on what worked.",
			},
			{
				Name:        "what_failed",
				DataType:    []string{"text"},
				Description: "Reviewer notes on what did not.",
			},
			{
				Name:        "key_decisions",
				DataType:    []string{"text"},
				Description: "Decisions worth repeating on similar tasks.",
			},
			{
				Name:            "has_code",
				DataType:        []string{"boolean"},
				Description:     "True when a code artifact is stored.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "has_plan",
				DataType:        []string{"boolean"},
				Description:     "True when a plan artifact is stored.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:        "code_preview",
				DataType:    []string{"text"},
				Description: "First 500 characters of the code artifact.",
			},
			{
				Name:        "plan_preview",
				DataType:    []string{"text"},
				Description: "First 500 characters of the plan artifact.",
			},
			{
				Name:        "code",
				DataType:    []string{"text"},
				Description: "Full code artifact for reuse.",
			},
			{
				Name:        "plan",
				DataType:    []string{"text"},
				Description: "Full plan artifact for reuse.",
			},
			{
				Name:            "saved_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the experience was saved.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureSchema creates the TaskExperience class when it is missing.
// An existing class is left untouched.
func EnsureSchema(ctx context.Context, client *weaviate.Client, logger *logging.Logger) error {
	class := GetTaskExperienceSchema()

	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		logger.Debug("Weaviate schema present", "class", class.Class)
		return nil
	}

	logger.Info("Creating weaviate schema", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return datatypes.E(datatypes.KindUpstreamUnavailable,
			"create weaviate class %s", class.Class, err)
	}
	return nil
}

// ParseGraphQLResponse parses a weaviate GraphQL response into the
// target type by round-tripping Data through JSON.
//
// # Limitations
//
//   - Type mismatches produce zero values, not errors.
//   - The target type's json tags must mirror the query fields.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("unmarshal into target type: %w", err)
	}
	return &result, nil
}

// taskExperienceQueryResponse mirrors the Get query shape for the
// TaskExperience class.
type taskExperienceQueryResponse struct {
	Get struct {
		TaskExperience []taskExperienceResult `json:"TaskExperience"`
	} `json:"Get"`
}

type taskExperienceResult struct {
	Task          string  `json:"task"`
	TaskID        string  `json:"task_id"`
	IntentType    string  `json:"intent_type"`
	Success       float64 `json:"success"`
	ExperienceID  *int64  `json:"experience_id"`
	PlanningScore float64 `json:"planning_score"`
	ResearchScore float64 `json:"research_score"`
	TestingScore  float64 `json:"testing_score"`
	CodingScore   float64 `json:"coding_score"`
	WhatWorked    string  `json:"what_worked"`
	WhatFailed    string  `json:"what_failed"`
	KeyDecisions  string  `json:"key_decisions"`
	Code          string  `json:"code"`
	Plan          string  `json:"plan"`
	SavedAt       int64   `json:"saved_at"`
	Additional    struct {
		ID       string   `json:"id"`
		Distance *float32 `json:"distance"`
	} `json:"_additional"`
}

// toExperience converts a query row, deriving similarity from cosine
// distance.
func (r taskExperienceResult) toExperience() Experience {
	exp := Experience{
		Task:         r.Task,
		TaskID:       r.TaskID,
		IntentType:   r.IntentType,
		Overall:      r.Success,
		Planning:     r.PlanningScore,
		Research:     r.ResearchScore,
		Testing:      r.TestingScore,
		Coding:       r.CodingScore,
		WhatWorked:   r.WhatWorked,
		WhatFailed:   r.WhatFailed,
		KeyDecisions: r.KeyDecisions,
		Code:         r.Code,
		Plan:         r.Plan,
	}
	if r.ExperienceID != nil {
		exp.ID = *r.ExperienceID
	}
	if r.SavedAt > 0 {
		exp.SavedAt = time.UnixMilli(r.SavedAt).UTC()
	}
	if r.Additional.Distance != nil {
		exp.Similarity = 1 - float64(*r.Additional.Distance)
	}
	return exp
}
