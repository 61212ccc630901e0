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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SkiffLocal/pkg/ux"
)

// Session commands talk to the running daemon rather than the store
// directly: the daemon owns the conversation files and may have
// in-flight writes the CLI cannot see.

// sessionInfo mirrors the daemon's session listing payload.
type sessionInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// apiError mirrors the daemon's error payload.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runListSessions(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sessions, err := fetchSessions(ctx, http.DefaultClient, daemonBaseURL())
	if err != nil {
		fail("Could not list sessions: %v", err)
	}
	if len(sessions) == 0 {
		ux.Info("No sessions found.")
		return
	}
	renderSessions(os.Stdout, sessions)
}

func runDeleteSession(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		fail("Usage: skiff session delete [session_id]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := deleteSession(ctx, http.DefaultClient, daemonBaseURL(), args[0]); err != nil {
		fail("Could not delete session: %v", err)
	}
	ux.Success(fmt.Sprintf("Deleted session %s", args[0]))
}

// =============================================================================
// DAEMON CLIENT HELPERS
// =============================================================================

// daemonBaseURL resolves where the daemon listens. SKIFF_DAEMON_URL
// overrides; otherwise the configured listen address is assumed to be
// reachable on localhost.
func daemonBaseURL() string {
	if url := os.Getenv("SKIFF_DAEMON_URL"); url != "" {
		return strings.TrimSuffix(url, "/")
	}
	addr := provider.Snapshot().Server.Addr
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// fetchSessions lists conversation sessions from the daemon.
func fetchSessions(ctx context.Context, client *http.Client, baseURL string) ([]sessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/sessions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var payload struct {
		Sessions []sessionInfo `json:"sessions"`
		Count    int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("unexpected response from daemon: %w", err)
	}
	return payload.Sessions, nil
}

// deleteSession removes one conversation session via the daemon.
func deleteSession(ctx context.Context, client *http.Client, baseURL, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		baseURL+"/v1/sessions/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// decodeAPIError turns a non-200 daemon response into an error. The
// daemon's payloads carry an error string and a kind; anything else
// falls back to the HTTP status.
func decodeAPIError(resp *http.Response) error {
	var apiErr apiError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Kind)
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}

// =============================================================================
// OUTPUT FORMATTING
// =============================================================================

func renderSessions(w io.Writer, sessions []sessionInfo) {
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s  %-40s %3d messages  %s\n",
			s.ID, title, s.Messages, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
}
