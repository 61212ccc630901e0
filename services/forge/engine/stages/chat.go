// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"

	"github.com/AleutianAI/SkiffLocal/services/forge/engine"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

// chatHistoryWindow bounds how many prior conversation turns ride on a
// chat completion. Older turns are already folded into the stored
// summary by the memory layer.
const chatHistoryWindow = 10

// Chat answers conversationally, threading in recent conversation
// history when a memory store is attached.
type Chat struct {
	deps engine.Dependencies
}

func (s *Chat) Name() engine.Stage { return engine.StageChat }

func (s *Chat) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	cfg := s.deps.Provider.Snapshot()

	var messages []llm.Message
	if s.deps.Conversations != nil && run.ConversationID != "" {
		history, err := s.deps.Conversations.LastN(ctx, run.ConversationID, chatHistoryWindow)
		if err != nil {
			s.deps.Logger.Warn("Conversation history unavailable; answering without it",
				"task_id", run.TaskID, "conversation_id", run.ConversationID, "error", err)
		} else {
			messages = history
		}
	}
	if len(messages) == 0 || messages[len(messages)-1].Content != run.Req.Task {
		messages = append(messages, llm.Message{Role: "user", Content: run.Req.Task})
	}

	params := samplerParams(modelFor(cfg, run.Req, false), run.Req.Temperature, 0)
	reply, err := s.deps.Gateway.Chat(ctx, messages, params)
	if err != nil {
		return "", nil, err
	}
	run.Message = reply

	return engine.StageFinal, map[string]any{
		"message":       reply,
		"history_turns": len(messages) - 1,
	}, nil
}
