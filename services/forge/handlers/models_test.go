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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

func TestModels_ListsBackendCatalog(t *testing.T) {
	router, _ := newTestHandler(t, func(deps *Dependencies) {
		deps.Models = &fakeModels{models: []llm.ModelInfo{
			{Name: "qwen2.5-coder:14b", SizeBytes: 9_000_000_000, Family: "qwen2", Quantization: "Q4_K_M"},
			{Name: "llama3.1:8b", SizeBytes: 4_700_000_000, Family: "llama"},
		}}
	})

	w, body := perform(t, router, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])

	models, ok := body["models"].([]any)
	require.True(t, ok)
	require.Len(t, models, 2)
	first := models[0].(map[string]any)
	assert.Equal(t, "qwen2.5-coder:14b", first["name"])
	assert.Equal(t, "Q4_K_M", first["quantization"])
}

func TestModels_BackendDown(t *testing.T) {
	router, _ := newTestHandler(t, func(deps *Dependencies) {
		deps.Models = &fakeModels{
			err: datatypes.E(datatypes.KindUpstreamUnavailable, "list models from backend"),
		}
	})

	w, body := perform(t, router, http.MethodGet, "/v1/models", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(datatypes.KindUpstreamUnavailable), body["kind"])
}
