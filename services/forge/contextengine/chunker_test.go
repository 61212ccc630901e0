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
	"strings"
	"testing"
)

const pythonSample = `import os

def greet(name):
    """Say hello."""
    return f"hi {name}"

class Greeter:
    """Greets people."""

    def wave(self):
        pass
`

func TestChunker_Python(t *testing.T) {
	c := NewChunker(500)
	chunks := c.ChunkFile("main.py", pythonSample)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(chunks), chunkIDs(chunks))
	}

	mod := chunks[0]
	if mod.Kind != ChunkKindModule {
		t.Errorf("chunk 0 kind = %s, want module", mod.Kind)
	}
	if mod.Name != "main" {
		t.Errorf("module chunk name = %q, want main", mod.Name)
	}
	if !strings.Contains(mod.Text, "import os") {
		t.Errorf("module chunk missing import: %q", mod.Text)
	}

	fn := chunks[1]
	if fn.Kind != ChunkKindFunction || fn.Name != "greet" {
		t.Errorf("chunk 1 = %s %q, want function greet", fn.Kind, fn.Name)
	}
	if fn.Signature != "def greet(name):" {
		t.Errorf("signature = %q", fn.Signature)
	}
	if fn.Docstring != "Say hello." {
		t.Errorf("docstring = %q, want %q", fn.Docstring, "Say hello.")
	}
	if fn.StartLine != 3 || fn.EndLine != 5 {
		t.Errorf("function lines = %d-%d, want 3-5", fn.StartLine, fn.EndLine)
	}

	cls := chunks[2]
	if cls.Kind != ChunkKindClass || cls.Name != "Greeter" {
		t.Errorf("chunk 2 = %s %q, want class Greeter", cls.Kind, cls.Name)
	}
	if cls.Docstring != "Greets people." {
		t.Errorf("class docstring = %q", cls.Docstring)
	}
	// Methods stay inside the class chunk.
	if !strings.Contains(cls.Text, "def wave") {
		t.Errorf("class chunk should contain its methods: %q", cls.Text)
	}
}

func TestChunker_GoLeadingComments(t *testing.T) {
	src := `package demo

// Add returns the sum.
func Add(a, b int) int {
	return a + b
}
`
	c := NewChunker(500)
	chunks := c.ChunkFile("demo.go", src)

	var fn *CodeChunk
	for i := range chunks {
		if chunks[i].Name == "Add" {
			fn = &chunks[i]
		}
	}
	if fn == nil {
		t.Fatalf("no chunk for Add in %v", chunkIDs(chunks))
	}
	if fn.Kind != ChunkKindFunction {
		t.Errorf("kind = %s, want function", fn.Kind)
	}
	if fn.Docstring != "Add returns the sum." {
		t.Errorf("docstring = %q", fn.Docstring)
	}
	// The comment line joins the chunk, so it starts one line early.
	if fn.StartLine != 3 {
		t.Errorf("start line = %d, want 3", fn.StartLine)
	}
	if !strings.Contains(fn.Text, "return a + b") {
		t.Errorf("body missing: %q", fn.Text)
	}
}

func TestChunker_UnknownExtension(t *testing.T) {
	c := NewChunker(500)
	if chunks := c.ChunkFile("notes.txt", "def fake():\n    pass\n"); chunks != nil {
		t.Errorf("unknown extension produced %d chunks", len(chunks))
	}
}

func TestChunker_EmptyFile(t *testing.T) {
	c := NewChunker(500)
	if chunks := c.ChunkFile("empty.py", "   \n\n  "); len(chunks) != 0 {
		t.Errorf("blank file produced %d chunks", len(chunks))
	}
}

func TestChunker_SplitsOversized(t *testing.T) {
	src := `def build():
    a = "0123456789"
    b = "0123456789"
    c = "0123456789"
    d = "0123456789"
`
	c := NewChunker(10) // 40-char budget forces splitting
	chunks := c.ChunkFile("big.py", src)

	if len(chunks) < 2 {
		t.Fatalf("oversized chunk not split: %v", chunkIDs(chunks))
	}
	for i, ch := range chunks {
		if !ch.IsPart() {
			t.Errorf("chunk %d id %q is not marked as a part", i, ch.ID)
		}
	}
	if !strings.HasSuffix(chunks[0].ID, ":part1") {
		t.Errorf("first part id = %q", chunks[0].ID)
	}
	if chunks[0].Signature != "def build():" {
		t.Errorf("part 1 should keep the signature, got %q", chunks[0].Signature)
	}
	for _, ch := range chunks[1:] {
		if ch.Signature != "" || ch.Docstring != "" {
			t.Errorf("part %q should not carry signature/docstring", ch.ID)
		}
	}

	// Parts cover contiguous, non-overlapping line ranges.
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartLine != chunks[i-1].EndLine+1 {
			t.Errorf("part %d starts at %d, previous ended at %d",
				i, chunks[i].StartLine, chunks[i-1].EndLine)
		}
	}

	// Reassembled parts reproduce the original text.
	var parts []string
	for _, ch := range chunks {
		parts = append(parts, ch.Text)
	}
	joined := strings.Join(parts, "\n")
	original := strings.Join(strings.Split(src, "\n")[0:5], "\n")
	if joined != original {
		t.Errorf("parts do not reassemble:\n%q\nwant\n%q", joined, original)
	}
}

func TestChunker_SplitInvariant(t *testing.T) {
	// Every produced chunk is either within the token budget or
	// explicitly marked as a part of a split.
	src := "def huge():\n" + strings.Repeat("    x = 1\n", 400)
	c := NewChunker(50)
	for _, ch := range c.ChunkFile("huge.py", src) {
		if ch.EstimatedTokens() > 50 && !ch.IsPart() {
			t.Errorf("chunk %q has %d tokens and no part marker", ch.ID, ch.EstimatedTokens())
		}
	}
}

func TestChunker_NestedFunctionsStayTopLevel(t *testing.T) {
	src := `def outer():
    def inner():
        pass
    return inner

def after():
    pass
`
	c := NewChunker(500)
	chunks := c.ChunkFile("nest.py", src)

	names := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		names = append(names, ch.Name)
	}
	if len(chunks) != 2 || names[0] != "outer" || names[1] != "after" {
		t.Errorf("got %v, want [outer after]", names)
	}
	if !strings.Contains(chunks[0].Text, "def inner") {
		t.Errorf("inner should stay inside outer: %q", chunks[0].Text)
	}
}

func chunkIDs(chunks []CodeChunk) []string {
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}
	return ids
}
