// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory owns the service's two persistent stores: dialog
// history (ConversationMemory) and recorded task outcomes
// (TaskExperienceMemory).
//
// The sub-stores share nothing beyond this package. Each is built
// lazily on first use, so a chat-only deployment never opens a
// weaviate connection and a generation-only deployment never touches
// the conversations directory.
package memory

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

var tracer = otel.Tracer("skiff.forge.memory")

// Summarizer condenses dialog text into a short summary.
// *gateway.Gateway satisfies it.
type Summarizer interface {
	Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error)
}

// Embedder supplies embedding vectors for the experience index.
// *gateway.Gateway satisfies it.
type Embedder interface {
	Embeddings(ctx context.Context, text string) ([]float32, error)
}

// LLM is the gateway surface the stores consume: generation for
// summaries and titles, embeddings for the vector index.
type LLM interface {
	Summarizer
	Embedder
}

// Store hands out the two sub-stores, building each on first use.
//
// # Thread Safety
//
// Safe for concurrent use. Lazy construction is double-checked per
// sub-store. A failed construction is not cached: the next call
// retries, so a vector store that comes up after the service does
// simply starts working.
type Store struct {
	provider *config.Provider
	llm      LLM
	logger   *logging.Logger

	convMu sync.Mutex
	conv   *ConversationMemory

	expMu sync.Mutex
	exp   *TaskExperienceMemory
}

// NewStore wires the store to live configuration and the LLM gateway.
// No I/O happens until a sub-store is first requested.
func NewStore(provider *config.Provider, llm LLM, logger *logging.Logger) *Store {
	return &Store{
		provider: provider,
		llm:      llm,
		logger:   logger,
	}
}

// Conversations returns the dialog store, building it on first call.
// Construction loads any persisted conversations from disk.
func (s *Store) Conversations() (*ConversationMemory, error) {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	if s.conv != nil {
		return s.conv, nil
	}
	conv, err := NewConversationMemory(s.provider, s.llm, s.logger)
	if err != nil {
		return nil, err
	}
	s.conv = conv
	return conv, nil
}

// Experiences returns the task-outcome store, building the weaviate
// client and ensuring the schema on first call.
func (s *Store) Experiences(ctx context.Context) (*TaskExperienceMemory, error) {
	s.expMu.Lock()
	defer s.expMu.Unlock()
	if s.exp != nil {
		return s.exp, nil
	}

	cfg := s.provider.Snapshot()
	rawURL := strings.TrimSpace(cfg.Weaviate.URL)
	if rawURL == "" {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
			"weaviate.url is not configured; experience memory is unavailable")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, datatypes.E(datatypes.KindInvalidRequest,
			"weaviate.url %q is not a valid URL", rawURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "create weaviate client", err)
	}
	if err := EnsureSchema(ctx, client, s.logger); err != nil {
		return nil, err
	}

	exp, err := NewTaskExperienceMemory(client, s.llm, s.provider, s.logger)
	if err != nil {
		return nil, err
	}
	s.exp = exp
	s.logger.Info("Experience memory ready", "weaviate", rawURL)
	return exp, nil
}
