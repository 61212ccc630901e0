// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admin operates on the persisted stores from outside the
// request path: inventory, stats, backup, restore, and retention
// cleanup. The skiff CLI and the daemon's /v1/admin routes both drive
// it.
//
// Three stores are managed. Conversations and call traces live on the
// local filesystem and are backed up by copying their directories.
// Experiences live in weaviate, which runs its own backup engine; the
// admin layer only triggers it and records the backup id in the
// manifest.
package admin

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

var tracer = otel.Tracer("skiff.forge.admin")

// =============================================================================
// Store inventory
// =============================================================================

// Store names as they appear in CLI flags, manifests, and API payloads.
const (
	StoreConversations = "conversations"
	StoreExperiences   = "experiences"
	StoreTrace         = "trace"
)

// storeKind distinguishes how a store is backed up.
const (
	kindFilesystem = "filesystem"
	kindWeaviate   = "weaviate"
)

// StoreInfo describes one managed store for the list and stats
// surfaces.
type StoreInfo struct {
	// Name is one of the Store* constants.
	Name string `json:"name"`

	// Kind is "filesystem" or "weaviate".
	Kind string `json:"kind"`

	// Location is the directory (filesystem) or URL (weaviate).
	Location string `json:"location"`

	// Configured is false when the store cannot be reached by
	// configuration alone, e.g. weaviate without a URL.
	Configured bool `json:"configured"`

	// Exists reports whether the location currently holds data.
	Exists bool `json:"exists"`

	// Files and SizeBytes are filesystem measurements; zero for
	// weaviate, whose storage is server-side.
	Files     int   `json:"files"`
	SizeBytes int64 `json:"size_bytes"`
}

// Stats aggregates the inventory with disk headroom for the admin
// summary endpoint and `skiff db stats`.
type Stats struct {
	Stores      []StoreInfo `json:"stores"`
	Backups     int         `json:"backups"`
	BackupsDir  string      `json:"backups_dir"`
	DiskFreeMB  int64       `json:"disk_free_mb"`
	DiskTotalMB int64       `json:"disk_total_mb"`
}

// =============================================================================
// Admin
// =============================================================================

// Admin performs maintenance operations against the persisted stores.
//
// # Description
//
// All paths are read from the live configuration snapshot per call, so
// a reload that moves a directory is picked up without restarting. The
// vector store is optional: when weaviate is not configured, its
// operations are skipped with a note rather than failing the run.
//
// # Thread Safety
//
// Safe for concurrent use. Operations hold no state between calls;
// concurrent backups of the same name collide on the filesystem and
// surface as errors from the losing writer.
type Admin struct {
	provider *config.Provider
	logger   *logging.Logger
	vector   VectorBackups

	// Injected for tests, after the resolver pattern.
	statfs func(path string, stat *unix.Statfs_t) error
	now    func() time.Time
}

// Option adjusts Admin construction.
type Option func(*Admin)

// WithVectorBackups overrides the weaviate-backed vector backup
// driver. Tests use it; production passes nothing and gets a driver
// built from weaviate.url, or none when unconfigured.
func WithVectorBackups(v VectorBackups) Option {
	return func(a *Admin) {
		a.vector = v
	}
}

// New wires an Admin over live configuration.
func New(provider *config.Provider, logger *logging.Logger, opts ...Option) *Admin {
	a := &Admin{
		provider: provider,
		logger:   logger.WithSource(logging.SourceInfrastructure),
		statfs:   unix.Statfs,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.vector == nil {
		a.vector = vectorFromConfig(provider, a.logger)
	}
	return a
}

// List returns the managed stores and their current state.
func (a *Admin) List(ctx context.Context) ([]StoreInfo, error) {
	_, span := tracer.Start(ctx, "Admin.List")
	defer span.End()

	cfg := a.provider.Snapshot()
	stores := []StoreInfo{
		a.fsStoreInfo(StoreConversations, cfg.Paths.ConversationsDir),
		a.fsStoreInfo(StoreTrace, cfg.Paths.TraceDir),
		{
			Name:       StoreExperiences,
			Kind:       kindWeaviate,
			Location:   cfg.Weaviate.URL,
			Configured: cfg.Weaviate.URL != "",
			Exists:     cfg.Weaviate.URL != "",
		},
	}
	return stores, nil
}

// Stats measures the stores, counts backups, and reports disk
// headroom at the backups directory.
func (a *Admin) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "Admin.Stats")
	defer span.End()

	stores, err := a.List(ctx)
	if err != nil {
		return nil, err
	}

	cfg := a.provider.Snapshot()
	stats := &Stats{
		Stores:     stores,
		BackupsDir: cfg.Paths.BackupsDir,
	}

	manifests, err := a.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	stats.Backups = len(manifests)

	free, total, err := a.diskSpace(cfg.Paths.BackupsDir)
	if err == nil {
		stats.DiskFreeMB = free / (1024 * 1024)
		stats.DiskTotalMB = total / (1024 * 1024)
	}
	return stats, nil
}

// fsStoreInfo measures a directory-backed store.
func (a *Admin) fsStoreInfo(name, dir string) StoreInfo {
	info := StoreInfo{
		Name:       name,
		Kind:       kindFilesystem,
		Location:   dir,
		Configured: dir != "",
	}
	if dir == "" {
		return info
	}
	if _, err := os.Stat(dir); err != nil {
		return info
	}
	info.Exists = true
	info.Files, info.SizeBytes = measureDir(dir)
	return info
}

// diskSpace returns free and total bytes for the filesystem holding
// path, walking up to the nearest existing ancestor first so a not-yet
// created backups directory still reports its parent's headroom.
func (a *Admin) diskSpace(path string) (free, total int64, err error) {
	probe := path
	for {
		if _, statErr := os.Stat(probe); statErr == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	var stat unix.Statfs_t
	if err := a.statfs(probe, &stat); err != nil {
		return 0, 0, datatypes.E(datatypes.KindInternalInvariant, "statfs %s", probe, err)
	}
	free = int64(stat.Bavail) * int64(stat.Bsize)
	total = int64(stat.Blocks) * int64(stat.Bsize)
	return free, total, nil
}

// measureDir counts regular files and sums their sizes. Unreadable
// entries are skipped; a partial measurement beats a failed one here.
func measureDir(dir string) (files int, size int64) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files++
		size += info.Size()
		return nil
	})
	return files, size
}
