// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextengine

import (
	"math"
	"sort"
)

// Field boosts: a query term matching a chunk's name is worth more
// than one buried in its body.
const (
	boostName      = 3.0
	boostSignature = 2.0
	boostDocstring = 1.5
)

// ScoredChunk is a chunk with its query relevance.
type ScoredChunk struct {
	CodeChunk

	// Score is the BM25-style relevance. Zero means no query term
	// appears anywhere in the chunk.
	Score float64 `json:"score"`

	// MatchedTerms are the query terms that contributed.
	MatchedTerms []string `json:"matched_terms,omitempty"`
}

// chunkStats caches one chunk's token counts per field.
type chunkStats struct {
	body map[string]int
	name map[string]int
	sig  map[string]int
	doc  map[string]int

	// total is the unweighted token count across all fields, the
	// denominator of the tf normalization.
	total int
}

// ScoreChunks ranks chunks against a query.
//
// # Description
//
// BM25-flavored scoring: per query term,
// idf = log((N - df + 0.5)/(df + 0.5) + 1) with df the number of
// chunks containing the term; terms absent from every chunk take the
// upper bound log(N + 1). Per chunk,
// tf = weighted_count / (chunk_tokens + 1), where occurrences in the
// name, signature, and docstring are weighted 3.0, 2.0, and 1.5 over
// body occurrences. The chunk score is the sum of tf*idf over the
// query terms.
//
// # Outputs
//
//   - []ScoredChunk: sorted by score descending; ties keep the input
//     order. Empty input or an empty query yields all-zero scores
//     (still sorted, which preserves input order).
func ScoreChunks(query string, chunks []CodeChunk) []ScoredChunk {
	scored := make([]ScoredChunk, len(chunks))
	for i, ch := range chunks {
		scored[i] = ScoredChunk{CodeChunk: ch}
	}
	if len(chunks) == 0 {
		return scored
	}

	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 {
		return scored
	}

	stats := make([]chunkStats, len(chunks))
	for i, ch := range chunks {
		stats[i] = buildStats(ch)
	}

	n := float64(len(chunks))
	absentIDF := math.Log(n + 1)

	// df per query term: chunks with at least one occurrence in any
	// field.
	for _, term := range queryTerms {
		df := 0
		for i := range stats {
			if stats[i].contains(term) {
				df++
			}
		}

		idf := absentIDF
		if df > 0 {
			idf = math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1)
		}

		for i := range stats {
			weighted := stats[i].weightedCount(term)
			if weighted == 0 {
				continue
			}
			tf := weighted / float64(stats[i].total+1)
			scored[i].Score += tf * idf
			scored[i].MatchedTerms = appendUnique(scored[i].MatchedTerms, term)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

func buildStats(ch CodeChunk) chunkStats {
	body := countTokens(Tokenize(ch.Text))
	name := countTokens(Tokenize(ch.Name))
	sig := countTokens(Tokenize(ch.Signature))
	doc := countTokens(Tokenize(ch.Docstring))

	total := 0
	for _, m := range []map[string]int{body, name, sig, doc} {
		for _, c := range m {
			total += c
		}
	}
	return chunkStats{body: body, name: name, sig: sig, doc: doc, total: total}
}

func countTokens(tokens []string) map[string]int {
	m := make(map[string]int, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}

func (s *chunkStats) contains(term string) bool {
	return s.body[term] > 0 || s.name[term] > 0 || s.sig[term] > 0 || s.doc[term] > 0
}

func (s *chunkStats) weightedCount(term string) float64 {
	return float64(s.body[term]) +
		boostName*float64(s.name[term]) +
		boostSignature*float64(s.sig[term]) +
		boostDocstring*float64(s.doc[term])
}

func appendUnique(terms []string, term string) []string {
	for _, t := range terms {
		if t == term {
			return terms
		}
	}
	return append(terms, term)
}
