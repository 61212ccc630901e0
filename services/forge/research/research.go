// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package research assembles the background a task needs before
// planning and coding: local code context from the project index,
// augmented with web search when local retrieval looks weak.
//
// Retrieval confidence is the share of the query's scoreable terms
// matched by the best-ranked chunk. Below the threshold, or when
// fewer than two chunks match at all, the researcher adds web
// findings unless the request disabled web search.
package research

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/contextengine"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ConfidenceThreshold is the retrieval confidence below which web
	// search augments the local context.
	ConfidenceThreshold = 0.7

	// MinLocalDocs is the fewest matching local chunks considered
	// sufficient on their own.
	MinLocalDocs = 2

	// retrieveLimit bounds the chunks fetched for the confidence check.
	retrieveLimit = 10

	// Snippet bounds. SearxNG content fields are usually a sentence or
	// two, but some engines return article-sized extracts; each snippet
	// keeps its first splitter chunk.
	snippetChunkSize    = 800
	snippetChunkOverlap = 80
)

// =============================================================================
// Package Variables
// =============================================================================

var tracer = otel.Tracer("skiff.forge.research")

var researchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skiff",
	Subsystem: "research",
	Name:      "runs_total",
	Help:      "Research runs by whether web findings were used.",
}, []string{"web_used"})

// =============================================================================
// Structs
// =============================================================================

// Brief is the research product: local context, optional web findings,
// and the retrieval signals that drove the web decision.
type Brief struct {
	// Context is the composed local code context; empty without a
	// project path or when nothing matched.
	Context string `json:"context,omitempty"`

	// Sources are the web hits consulted, empty when web search was
	// skipped or failed.
	Sources []SearchResult `json:"sources,omitempty"`

	// Confidence is the retrieval confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// LocalDocs counts the local chunks that matched the query.
	LocalDocs int `json:"local_docs"`

	// WebUsed reports whether web findings made it into the brief.
	WebUsed bool `json:"web_used"`
}

// Researcher gathers a Brief for one task.
//
// # Description
//
// Consults the context engine first. When retrieval confidence falls
// below ConfidenceThreshold or fewer than MinLocalDocs chunks match,
// and web search is enabled both in config and on the request, it adds
// web findings. A failing search endpoint degrades the brief rather
// than failing the run; results are never cached, so two identical
// calls may return different briefs.
//
// # Thread Safety
//
// Safe for concurrent use.
type Researcher struct {
	engine   *contextengine.Engine
	search   *SearchClient
	provider *config.Provider
	logger   *logging.Logger
	splitter textsplitter.TextSplitter
}

// =============================================================================
// Constructor Functions
// =============================================================================

// New creates a Researcher. search may be nil when the deployment has
// no search endpoint; the researcher then never attempts web lookups.
func New(engine *contextengine.Engine, search *SearchClient, provider *config.Provider, logger *logging.Logger) *Researcher {
	return &Researcher{
		engine:   engine,
		search:   search,
		provider: provider,
		logger:   logger.WithSource(logging.SourceTool),
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(snippetChunkSize),
			textsplitter.WithChunkOverlap(snippetChunkOverlap),
		),
	}
}

// =============================================================================
// Methods
// =============================================================================

// Research builds the brief for one task.
//
// # Inputs
//
//   - ctx: cancels indexing and the web call.
//   - task: the user's task text, used as the retrieval query.
//   - projectPath: project root for local context; empty skips local
//     retrieval entirely.
//   - extensions: file-extension filter for indexing.
//   - disableWeb: per-request override that suppresses web search.
//
// # Outputs
//
//   - *Brief: never nil on success. An unreachable search endpoint
//     logs a warning and leaves Sources empty.
//   - error: only from local retrieval (bad project path, cancelled
//     indexing).
func (r *Researcher) Research(ctx context.Context, task, projectPath string, extensions []string, disableWeb bool) (*Brief, error) {
	ctx, span := tracer.Start(ctx, "research.Research")
	defer span.End()

	brief := &Brief{}

	if projectPath != "" {
		composed, err := r.engine.GetContext(ctx, task, projectPath, extensions)
		if err != nil {
			return nil, err
		}
		hits, err := r.engine.Retrieve(ctx, task, projectPath, extensions, retrieveLimit)
		if err != nil {
			return nil, err
		}
		brief.Context = composed
		brief.LocalDocs = len(hits)
		brief.Confidence = retrievalConfidence(task, hits)
	}

	cfg := r.provider.Snapshot()
	needWeb := brief.Confidence < ConfidenceThreshold || brief.LocalDocs < MinLocalDocs
	if needWeb && !disableWeb && cfg.WebSearch.Enabled && r.search != nil {
		sources, err := r.search.Search(ctx, task)
		switch {
		case err != nil:
			// A dead search endpoint degrades the brief, it does not
			// kill the pipeline.
			r.logger.Warn("web search failed, continuing with local context",
				"error", err.Error())
		case len(sources) > 0:
			brief.Sources = r.trimSnippets(sources)
			brief.WebUsed = true
		}
	}

	span.SetAttributes(
		attribute.Float64("research.confidence", brief.Confidence),
		attribute.Int("research.local_docs", brief.LocalDocs),
		attribute.Bool("research.web_used", brief.WebUsed),
	)
	researchRuns.WithLabelValues(strconv.FormatBool(brief.WebUsed)).Inc()
	r.logger.Info("research complete",
		"confidence", brief.Confidence,
		"local_docs", brief.LocalDocs,
		"web_used", brief.WebUsed)
	return brief, nil
}

// Render formats the brief as a prompt section. Empty when the brief
// has nothing to contribute.
func (b *Brief) Render() string {
	var sb strings.Builder
	if b.Context != "" {
		sb.WriteString("## Project context\n\n")
		sb.WriteString(b.Context)
		sb.WriteString("\n")
	}
	if len(b.Sources) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Web findings\n\n")
		for _, src := range b.Sources {
			sb.WriteString(fmt.Sprintf("- %s (%s)\n", src.Title, src.URL))
			if src.Snippet != "" {
				sb.WriteString("  " + strings.ReplaceAll(src.Snippet, "\n", "\n  ") + "\n")
			}
		}
	}
	return sb.String()
}

// =============================================================================
// Private Methods
// =============================================================================

// trimSnippets bounds each source snippet to one splitter chunk so a
// runaway extract cannot crowd out the plan and code context in
// downstream prompts.
func (r *Researcher) trimSnippets(sources []SearchResult) []SearchResult {
	out := make([]SearchResult, len(sources))
	for i, src := range sources {
		chunks, err := r.splitter.SplitText(src.Snippet)
		if err == nil && len(chunks) > 0 {
			src.Snippet = chunks[0]
		}
		out[i] = src
	}
	return out
}

// =============================================================================
// Utility Functions
// =============================================================================

// retrievalConfidence estimates how well local retrieval covered the
// query: the share of the query's unique scoreable terms matched by
// the best-ranked chunk. Zero when nothing matched or the query has
// no scoreable terms.
func retrievalConfidence(query string, hits []contextengine.ScoredChunk) float64 {
	if len(hits) == 0 {
		return 0
	}
	unique := make(map[string]struct{})
	for _, t := range contextengine.Tokenize(query) {
		unique[t] = struct{}{}
	}
	if len(unique) == 0 {
		return 0
	}
	cov := float64(len(hits[0].MatchedTerms)) / float64(len(unique))
	if cov > 1 {
		cov = 1
	}
	return cov
}
