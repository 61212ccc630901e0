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
	"fmt"
	"sort"
	"strings"
)

const (
	// fillThreshold: once the running total passes this fraction of
	// the budget, no partial slices are taken to squeeze in more.
	fillThreshold = 0.7

	// minPartialTokens is the smallest partial slice worth emitting;
	// anything shorter is more frame than content.
	minPartialTokens = 150

	// partialHeadRatio splits a partial slice 60% head / 40% tail.
	partialHeadRatio = 0.6

	// gapMarker separates the head and tail of a partial slice.
	gapMarker = "..."
)

// controlFlowWords mark the lines a partial slice's tail prefers:
// exits and loop control carry more meaning per token than the
// straight-line middle of a function.
var controlFlowWords = []string{"return", "yield", "raise", "pass", "break", "continue"}

// Compose packs ranked chunks into a prompt-sized context.
//
// # Description
//
// Walks the scored chunks greedily, appending full chunks while the
// running token total stays within budget. When a chunk would
// overflow: if the total is below 70% of budget, a partial slice of
// at least 150 tokens is taken as a 60% head plus a 40% tail that
// prefers control-flow lines; at or above 70%, composition stops.
// Zero-score chunks never enter the context.
//
// # Inputs
//
//   - header: optional module descriptor emitted before the first
//     chunk. Empty means none.
//   - scored: chunks in rank order (see ScoreChunks).
//   - budget: maximum context size in estimated tokens.
//
// # Outputs
//
//   - string: the composed context, or "" when nothing fit. Each
//     chunk is framed with a "// File:" location line; frames push
//     actual output slightly past the budget, bounded by 1.2x.
func Compose(header string, scored []ScoredChunk, budget int) string {
	if budget <= 0 || len(scored) == 0 {
		return ""
	}

	var b strings.Builder
	total := 0
	wrote := false

	for _, sc := range scored {
		if sc.Score <= 0 {
			// Rank order puts all zero-score chunks after this point.
			break
		}

		size := sc.EstimatedTokens()
		if total+size <= budget {
			writeChunk(&b, &sc.CodeChunk, sc.Text)
			total += size
			wrote = true
			continue
		}

		// Overflow. Past the fill threshold the context is rich
		// enough; below it, salvage a head+tail slice.
		if float64(total) >= fillThreshold*float64(budget) {
			break
		}
		remaining := budget - total
		if remaining < minPartialTokens {
			break
		}
		partial := partialSlice(sc.Text, remaining)
		if partial == "" {
			break
		}
		writeChunk(&b, &sc.CodeChunk, partial)
		break
	}

	if !wrote && b.Len() == 0 {
		return ""
	}
	if header != "" {
		return header + "\n\n" + b.String()
	}
	return b.String()
}

func writeChunk(b *strings.Builder, ch *CodeChunk, text string) {
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(b, "// File: %s (lines %d-%d)\n", ch.Path, ch.StartLine, ch.EndLine)
	b.WriteString(text)
}

// partialSlice cuts text down to roughly maxTokens: the first 60% of
// the allowance as a contiguous head, then a gap marker, then a tail
// assembled from the chunk's remaining lines preferring control-flow
// statements, topped up with the trailing lines in order.
func partialSlice(text string, maxTokens int) string {
	lines := strings.Split(text, "\n")

	headBudget := int(partialHeadRatio * float64(maxTokens) * 4)
	tailBudget := maxTokens*4 - headBudget

	headEnd := 0
	headChars := 0
	for i, line := range lines {
		lineChars := len(line) + 1
		if headChars+lineChars > headBudget && i > 0 {
			break
		}
		headChars += lineChars
		headEnd = i + 1
	}
	if headEnd >= len(lines) {
		return text
	}

	rest := lines[headEnd:]
	tailIdx := pickTailLines(rest, tailBudget)
	if len(tailIdx) == 0 {
		return strings.Join(lines[:headEnd], "\n")
	}

	out := make([]string, 0, headEnd+1+len(tailIdx))
	out = append(out, lines[:headEnd]...)
	out = append(out, gapMarker)
	for _, idx := range tailIdx {
		out = append(out, rest[idx])
	}
	return strings.Join(out, "\n")
}

// pickTailLines selects up to budget chars of rest, control-flow
// lines first, then the trailing lines of the block. Returned indexes
// are sorted so the slice reads in source order.
func pickTailLines(rest []string, budget int) []int {
	picked := make(map[int]struct{})
	used := 0

	take := func(i int) bool {
		if _, ok := picked[i]; ok {
			return true
		}
		cost := len(rest[i]) + 1
		if used+cost > budget {
			return false
		}
		picked[i] = struct{}{}
		used += cost
		return true
	}

	for i, line := range rest {
		if !isControlFlowLine(line) {
			continue
		}
		if !take(i) {
			break
		}
	}
	for i := len(rest) - 1; i >= 0; i-- {
		if strings.TrimSpace(rest[i]) == "" {
			continue
		}
		if !take(i) {
			break
		}
	}

	idx := make([]int, 0, len(picked))
	for i := range picked {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func isControlFlowLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, w := range controlFlowWords {
		if strings.HasPrefix(trimmed, w) {
			return true
		}
	}
	return false
}
