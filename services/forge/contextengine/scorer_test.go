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
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"camel case", "parseHTTPRequest", []string{"parse", "http", "request"}},
		{"snake case", "load_user_config", []string{"load", "user", "config"}},
		{"stop words dropped", "the quick brown fox", []string{"quick", "brown", "fox"}},
		{"short tokens dropped", "a db to of", nil},
		{"code keywords dropped", "def render(self): return None", []string{"render"}},
		{"acronym run", "HTTPServer", []string{"http", "server"}},
		{"mixed punctuation", "governor.Acquire(ctx, stage)", []string{"governor", "acquire", "ctx", "stage"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestScoreChunks_RanksMatchesFirst(t *testing.T) {
	chunks := []CodeChunk{
		{
			ID:        "render.py:1-10",
			Name:      "render_frame",
			Signature: "def render_frame(surface):",
			Text:      "def render_frame(surface):\n    surface.draw()",
		},
		{
			ID:        "config.py:1-12",
			Name:      "ParseConfig",
			Signature: "def parse_config(path):",
			Docstring: "Load the YAML config file.",
			Text:      "def parse_config(path):\n    return yaml.load(path)",
		},
	}

	scored := ScoreChunks("how do I parse the config file", chunks)

	if scored[0].ID != "config.py:1-12" {
		t.Fatalf("top chunk = %s, want config.py:1-12", scored[0].ID)
	}
	if scored[0].Score <= 0 {
		t.Errorf("matching chunk scored %f", scored[0].Score)
	}
	if scored[1].Score != 0 {
		t.Errorf("non-matching chunk scored %f, want 0", scored[1].Score)
	}

	matched := make(map[string]bool)
	for _, term := range scored[0].MatchedTerms {
		matched[term] = true
	}
	for _, want := range []string{"parse", "config", "file"} {
		if !matched[want] {
			t.Errorf("MatchedTerms missing %q: %v", want, scored[0].MatchedTerms)
		}
	}
}

func TestScoreChunks_NameOutweighsBody(t *testing.T) {
	// Same single occurrence of the term; the name hit must win.
	chunks := []CodeChunk{
		{ID: "a", Name: "helper", Text: "x = retry_count + 1"},
		{ID: "b", Name: "retry", Text: "x = helper_count + 1"},
	}

	scored := ScoreChunks("retry", chunks)
	if scored[0].ID != "b" {
		t.Errorf("top chunk = %s, want b (name match beats body match)", scored[0].ID)
	}
	if scored[0].Score <= scored[1].Score {
		t.Errorf("name match %f should outscore body match %f",
			scored[0].Score, scored[1].Score)
	}
}

func TestScoreChunks_StableTies(t *testing.T) {
	chunks := []CodeChunk{
		{ID: "first", Name: "alpha", Text: "alpha body"},
		{ID: "second", Name: "alpha", Text: "alpha body"},
		{ID: "third", Name: "alpha", Text: "alpha body"},
	}

	scored := ScoreChunks("alpha", chunks)
	for i, want := range []string{"first", "second", "third"} {
		if scored[i].ID != want {
			t.Errorf("position %d = %s, want %s (ties keep input order)", i, scored[i].ID, want)
		}
	}
}

func TestScoreChunks_EmptyQuery(t *testing.T) {
	chunks := []CodeChunk{
		{ID: "a", Name: "one", Text: "one"},
		{ID: "b", Name: "two", Text: "two"},
	}

	scored := ScoreChunks("", chunks)
	if len(scored) != 2 {
		t.Fatalf("got %d scored chunks, want 2", len(scored))
	}
	for i, sc := range scored {
		if sc.Score != 0 {
			t.Errorf("chunk %d scored %f on empty query", i, sc.Score)
		}
	}
	if scored[0].ID != "a" || scored[1].ID != "b" {
		t.Errorf("empty query must preserve order: %s, %s", scored[0].ID, scored[1].ID)
	}
}

func TestScoreChunks_NoChunks(t *testing.T) {
	if scored := ScoreChunks("anything", nil); len(scored) != 0 {
		t.Errorf("got %d scored chunks from nil input", len(scored))
	}
}

func TestScoreChunks_RareTermOutweighsCommon(t *testing.T) {
	// "handler" appears everywhere, "websocket" once; the chunk
	// holding the rare term must rank first for a two-term query.
	chunks := []CodeChunk{
		{ID: "common1", Name: "request_handler", Text: "handler one"},
		{ID: "common2", Name: "response_handler", Text: "handler two"},
		{ID: "rare", Name: "websocket_handler", Text: "handler upgrade"},
	}

	scored := ScoreChunks("websocket handler", chunks)
	if scored[0].ID != "rare" {
		t.Errorf("top chunk = %s, want rare", scored[0].ID)
	}
}
