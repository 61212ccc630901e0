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
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

var feedbackApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skiff",
	Subsystem: "memory",
	Name:      "feedback_applied_total",
	Help:      "User ratings applied to stored experiences.",
}, []string{"rating"})

// feedbackStep is how far one rating moves the stored success score.
const feedbackStep = 0.1

// RecordFeedback applies a user rating to the experience saved under
// taskID. Positive raises the stored success score by one step,
// negative lowers it, clamped to [0,1]. A non-empty comment is appended
// to the reviewer notes matching the rating.
//
// The retrieval document and its vector keep the scores from save time;
// feedback only moves the filterable success used by FindSimilar.
func (m *TaskExperienceMemory) RecordFeedback(ctx context.Context, taskID, rating, comment string) error {
	ctx, span := tracer.Start(ctx, "TaskExperienceMemory.RecordFeedback")
	defer span.End()

	var step float64
	switch rating {
	case "positive":
		step = feedbackStep
	case "negative":
		step = -feedbackStep
	default:
		return datatypes.E(datatypes.KindInvalidRequest,
			"rating must be positive or negative, got %q", rating)
	}

	row, objectID, err := m.findByTaskID(ctx, taskID)
	if err != nil {
		return err
	}

	props := map[string]interface{}{
		"success": clamp01(row.Success + step),
	}
	if c := strings.TrimSpace(comment); c != "" {
		if rating == "positive" {
			props["what_worked"] = appendNote(row.WhatWorked, c)
		} else {
			props["what_failed"] = appendNote(row.WhatFailed, c)
		}
	}

	err = m.client.Data().Updater().
		WithClassName(TaskExperienceClassName).
		WithID(objectID).
		WithProperties(props).
		WithMerge().
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return datatypes.E(datatypes.KindUpstreamUnavailable, "apply feedback to experience", err)
	}

	feedbackApplied.WithLabelValues(rating).Inc()
	m.logger.Info("Recorded experience feedback",
		"task_id", taskID,
		"rating", rating,
		"success", props["success"])
	return nil
}

// findByTaskID returns the stored row and its weaviate object id.
func (m *TaskExperienceMemory) findByTaskID(ctx context.Context, taskID string) (*taskExperienceResult, string, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, "", datatypes.E(datatypes.KindInvalidRequest, "task id must not be empty")
	}

	whereFilter := filters.Where().
		WithPath([]string{"task_id"}).
		WithOperator(filters.Equal).
		WithValueString(taskID)

	fields := []graphql.Field{
		{Name: "task_id"},
		{Name: "success"},
		{Name: "what_worked"},
		{Name: "what_failed"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
		}},
	}

	result, err := m.client.GraphQL().Get().
		WithClassName(TaskExperienceClassName).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, "", datatypes.E(datatypes.KindUpstreamUnavailable,
			"look up experience for task %s", taskID, err)
	}
	if len(result.Errors) > 0 {
		return nil, "", datatypes.E(datatypes.KindUpstreamUnavailable,
			"experience lookup: %s", result.Errors[0].Message)
	}

	parsed, err := ParseGraphQLResponse[taskExperienceQueryResponse](result)
	if err != nil {
		return nil, "", fmt.Errorf("parse experience lookup: %w", err)
	}
	rows := parsed.Get.TaskExperience
	if len(rows) == 0 {
		return nil, "", datatypes.E(datatypes.KindNotFound,
			"no experience recorded for task %s", taskID)
	}
	if rows[0].Additional.ID == "" {
		return nil, "", datatypes.E(datatypes.KindInternalInvariant,
			"experience row for task %s is missing its object id", taskID)
	}
	return &rows[0], rows[0].Additional.ID, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// appendNote joins existing reviewer notes with a user comment.
func appendNote(existing, comment string) string {
	comment = strings.TrimSpace(comment)
	if existing == "" {
		return comment
	}
	return existing + "\n" + comment
}
