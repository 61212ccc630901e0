// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/SkiffLocal/services/forge/config"
)

// ============================================================================
// fetchSessions Tests
// ============================================================================

func TestFetchSessions(t *testing.T) {
	// 1. Mock daemon serving two sessions
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" {
			t.Errorf("Client hit wrong endpoint: %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("Client used wrong method: %s", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": []map[string]any{
				{"id": "a1", "title": "fix the csv importer", "messages": 12, "updated_at": "2025-11-02T10:00:00Z"},
				{"id": "b2", "messages": 3, "updated_at": "2025-11-03T09:30:00Z"},
			},
			"count": 2,
		})
	}))
	defer mockServer.Close()

	// 2. Fetch through the helper
	sessions, err := fetchSessions(context.Background(), mockServer.Client(), mockServer.URL)
	if err != nil {
		t.Fatalf("fetchSessions failed: %v", err)
	}

	// 3. Assert the decode
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "a1" || sessions[0].Messages != 12 {
		t.Errorf("first session decoded wrong: %+v", sessions[0])
	}
	if sessions[1].Title != "" {
		t.Errorf("untitled session should decode with empty title, got %q", sessions[1].Title)
	}
}

func TestFetchSessions_DaemonDown(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	mockServer.Close() // Nobody listening anymore

	_, err := fetchSessions(context.Background(), http.DefaultClient, mockServer.URL)
	if err == nil {
		t.Fatal("fetchSessions against a dead daemon should return error")
	}
	if !strings.Contains(err.Error(), "is the daemon running?") {
		t.Errorf("Error should hint at the daemon being down, got: %v", err)
	}
}

func TestFetchSessions_ErrorPayload(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "conversation store unavailable",
			"kind":  "upstream_unavailable",
		})
	}))
	defer mockServer.Close()

	_, err := fetchSessions(context.Background(), mockServer.Client(), mockServer.URL)
	if err == nil {
		t.Fatal("fetchSessions should surface the daemon's error")
	}
	if !strings.Contains(err.Error(), "conversation store unavailable") {
		t.Errorf("Error should carry the daemon's message, got: %v", err)
	}
	if !strings.Contains(err.Error(), "upstream_unavailable") {
		t.Errorf("Error should carry the kind, got: %v", err)
	}
}

// ============================================================================
// deleteSession Tests
// ============================================================================

func TestDeleteSession(t *testing.T) {
	var gotMethod, gotPath string
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]string{"deleted": "a1"})
	}))
	defer mockServer.Close()

	err := deleteSession(context.Background(), mockServer.Client(), mockServer.URL, "a1")
	if err != nil {
		t.Fatalf("deleteSession failed: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", gotMethod)
	}
	if gotPath != "/v1/sessions/a1" {
		t.Errorf("path = %s, want /v1/sessions/a1", gotPath)
	}
}

func TestDeleteSession_NotFound(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "no such session",
			"kind":  "not_found",
		})
	}))
	defer mockServer.Close()

	err := deleteSession(context.Background(), mockServer.Client(), mockServer.URL, "missing")
	if err == nil {
		t.Fatal("deleteSession of a missing id should return error")
	}
	if !strings.Contains(err.Error(), "no such session") {
		t.Errorf("Error should carry the daemon's message, got: %v", err)
	}
}

// ============================================================================
// daemonBaseURL Tests
// ============================================================================

func TestDaemonBaseURL_FromConfig(t *testing.T) {
	prev := provider
	provider = config.Static(&config.Config{Server: config.ServerConfig{Addr: ":9999"}})
	t.Cleanup(func() { provider = prev })
	t.Setenv("SKIFF_DAEMON_URL", "")

	if got := daemonBaseURL(); got != "http://localhost:9999" {
		t.Errorf("daemonBaseURL = %q, want http://localhost:9999", got)
	}
}

func TestDaemonBaseURL_HostInAddr(t *testing.T) {
	prev := provider
	provider = config.Static(&config.Config{Server: config.ServerConfig{Addr: "0.0.0.0:8199"}})
	t.Cleanup(func() { provider = prev })
	t.Setenv("SKIFF_DAEMON_URL", "")

	if got := daemonBaseURL(); got != "http://0.0.0.0:8199" {
		t.Errorf("daemonBaseURL = %q, want http://0.0.0.0:8199", got)
	}
}

func TestDaemonBaseURL_EnvOverride(t *testing.T) {
	t.Setenv("SKIFF_DAEMON_URL", "http://127.0.0.1:4000/")

	if got := daemonBaseURL(); got != "http://127.0.0.1:4000" {
		t.Errorf("daemonBaseURL = %q, want the env override without trailing slash", got)
	}
}

// ============================================================================
// Rendering Tests
// ============================================================================

func TestRenderSessions(t *testing.T) {
	var buf bytes.Buffer
	renderSessions(&buf, []sessionInfo{
		{ID: "a1", Title: "fix the csv importer", Messages: 12},
		{ID: "b2", Messages: 3},
	})

	out := buf.String()
	if !strings.Contains(out, "a1") || !strings.Contains(out, "fix the csv importer") {
		t.Errorf("titled session missing from output:\n%s", out)
	}
	if !strings.Contains(out, "(untitled)") {
		t.Errorf("untitled session should render a placeholder:\n%s", out)
	}
	if !strings.Contains(out, "12 messages") {
		t.Errorf("message count missing:\n%s", out)
	}
}
