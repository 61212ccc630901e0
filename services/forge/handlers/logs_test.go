// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

func TestStreamLogs_DeliversFabricEvents(t *testing.T) {
	router, d := newTestHandler(t, nil)

	agent := d.fabric.Logger(logging.SourceAgent)
	agent.WithTask("t-1", 0).Info("planning prompt assembled")
	agent.WithTask("t-2", 0).Info("someone else's run")

	// The follow phase never ends on its own, so the client side has to
	// hang up.
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/logs?task_id=t-1", nil).
		WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event: log")
	assert.Contains(t, body, "planning prompt assembled")
	assert.NotContains(t, body, "someone else's run", "task filter applied from the query string")
}

func TestStreamLogs_Unavailable(t *testing.T) {
	router, _ := newTestHandler(t, func(deps *Dependencies) {
		deps.Logs = nil
	})

	w, body := perform(t, router, http.MethodGet, "/v1/admin/logs", "")
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(datatypes.KindUpstreamUnavailable), body["kind"])
}
