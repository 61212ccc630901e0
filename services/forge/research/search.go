// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package research

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

// =============================================================================
// Package Variables
// =============================================================================

var webSearches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skiff",
	Subsystem: "research",
	Name:      "web_searches_total",
	Help:      "Web search calls by outcome.",
}, []string{"outcome"})

// =============================================================================
// Interfaces
// =============================================================================

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Structs
// =============================================================================

// SearchResult is one web hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// searxResponse is the SearxNG JSON envelope. Only the fields the
// researcher reads are declared.
type searxResponse struct {
	Results []searxHit `json:"results"`
}

type searxHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchClient queries a SearxNG-compatible metasearch endpoint.
//
// # Thread Safety
//
// Safe for concurrent use.
type SearchClient struct {
	provider *config.Provider
	logger   *logging.Logger

	// HTTPClient is swappable for tests. The per-call deadline comes
	// from the request context, not the client.
	HTTPClient HTTPClient
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewSearchClient creates a search client reading its endpoint and
// limits from the provider.
func NewSearchClient(provider *config.Provider, logger *logging.Logger) *SearchClient {
	return &SearchClient{
		provider:   provider,
		logger:     logger.WithSource(logging.SourceTool),
		HTTPClient: &http.Client{},
	}
}

// =============================================================================
// Methods
// =============================================================================

// Search runs one blocking web search.
//
// # Inputs
//
//   - ctx: cancels the call; the configured web_search.timeout_seconds
//     is applied on top.
//   - query: free-text search terms.
//
// # Outputs
//
//   - []SearchResult: at most web_search.max_results hits, in engine
//     order. Hits without a URL are dropped.
//   - error: KindUpstreamUnavailable for a missing endpoint and for
//     transport, status, and decode failures.
func (c *SearchClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	cfg := c.provider.Snapshot()
	if cfg.WebSearch.Endpoint == "" {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "web search endpoint not configured")
	}

	u, err := url.Parse(cfg.WebSearch.Endpoint)
	if err != nil {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
			"web search endpoint %q is invalid", cfg.WebSearch.Endpoint, err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.WebSearch.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, datatypes.E(datatypes.KindInternalInvariant, "building search request", err)
	}
	req.Header.Set("User-Agent", "skiff-forge/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		webSearches.WithLabelValues("error").Inc()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
				"web search timed out after %ds", cfg.WebSearch.TimeoutSeconds)
		}
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "web search request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		webSearches.WithLabelValues("error").Inc()
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
			"search endpoint returned status %s", resp.Status)
	}

	var decoded searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		webSearches.WithLabelValues("error").Inc()
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "decoding search response", err)
	}

	results := make([]SearchResult, 0, len(decoded.Results))
	for _, hit := range decoded.Results {
		if hit.URL == "" {
			continue
		}
		results = append(results, SearchResult{Title: hit.Title, URL: hit.URL, Snippet: hit.Content})
		if len(results) >= cfg.WebSearch.MaxResults {
			break
		}
	}

	webSearches.WithLabelValues("ok").Inc()
	c.logger.Debug("web search complete", "results", len(results))
	return results, nil
}
