// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admin

import (
	"context"
	"net/url"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

// VectorBackups drives the vector store's server-side backup engine.
// The weaviate client satisfies it through the adapter below; tests
// substitute a recorder.
type VectorBackups interface {
	// Create snapshots all classes into the named backup.
	Create(ctx context.Context, backend, id string) error

	// Restore loads the named backup back into the server.
	Restore(ctx context.Context, backend, id string) error
}

// weaviateBackups adapts the weaviate client's backup surface.
type weaviateBackups struct {
	client *weaviate.Client
	logger *logging.Logger
}

func (w *weaviateBackups) Create(ctx context.Context, backend, id string) error {
	resp, err := w.client.Backup().Creator().
		WithBackend(backend).
		WithBackupID(id).
		WithWaitForCompletion(true).
		Do(ctx)
	if err != nil {
		return datatypes.E(datatypes.KindUpstreamUnavailable, "weaviate backup %s", id, err)
	}
	if resp != nil && resp.Status != nil {
		w.logger.Info("Weaviate backup finished", "id", id, "status", *resp.Status)
	}
	return nil
}

func (w *weaviateBackups) Restore(ctx context.Context, backend, id string) error {
	resp, err := w.client.Backup().Restorer().
		WithBackend(backend).
		WithBackupID(id).
		WithWaitForCompletion(true).
		Do(ctx)
	if err != nil {
		return datatypes.E(datatypes.KindUpstreamUnavailable, "weaviate restore %s", id, err)
	}
	if resp != nil && resp.Status != nil {
		w.logger.Info("Weaviate restore finished", "id", id, "status", *resp.Status)
	}
	return nil
}

// vectorFromConfig builds the weaviate driver when a URL is
// configured; nil otherwise. A malformed URL also yields nil, with a
// warning: the admin layer must stay usable for the filesystem stores
// even when the vector config is broken.
func vectorFromConfig(provider *config.Provider, logger *logging.Logger) VectorBackups {
	cfg := provider.Snapshot()
	rawURL := strings.TrimSpace(cfg.Weaviate.URL)
	if rawURL == "" {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		logger.Warn("Weaviate URL unusable; vector backups disabled", "url", rawURL)
		return nil
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		logger.Warn("Weaviate client unavailable; vector backups disabled", "error", err)
		return nil
	}
	return &weaviateBackups{client: client, logger: logger}
}

// weaviateBackupID derives a server-safe backup id from the backup
// name: lowercase alphanumerics and dashes only.
func weaviateBackupID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
