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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

// =============================================================================
// Retention cleanup
// =============================================================================

// CleanupRequest bounds a retention sweep.
type CleanupRequest struct {
	// Days is the retention horizon; anything older is actioned.
	Days int `json:"days"`

	// Execute performs deletions. False (the default) reports what
	// would be removed without touching anything.
	Execute bool `json:"execute"`
}

// CategoryResult reports one swept data category.
type CategoryResult struct {
	// Category names the data category ("conversations", "backups").
	Category string `json:"category"`

	// FilesProcessed is how many candidates were examined.
	FilesProcessed int `json:"files_processed"`

	// FilesActioned is how many were (or would be) removed.
	FilesActioned int `json:"files_actioned"`

	// BytesFreed is the storage reclaimed (or reclaimable).
	BytesFreed int64 `json:"bytes_freed"`

	// Errors lists per-item failures; the sweep continues past them.
	Errors []string `json:"errors,omitempty"`
}

// CleanupReport summarizes a full sweep.
type CleanupReport struct {
	DryRun     bool             `json:"dry_run"`
	Cutoff     time.Time        `json:"cutoff"`
	Categories []CategoryResult `json:"categories"`

	TotalFilesActioned int   `json:"total_files_actioned"`
	TotalBytesFreed    int64 `json:"total_bytes_freed"`
}

// Cleanup removes conversations and backups older than the horizon.
//
// Dry run is the default; deletions happen only with Execute set. The
// newest backup survives regardless of age, so a long-idle install
// cannot sweep away its only recovery point. Call traces are not
// swept here: the trace store expires its own entries by TTL.
func (a *Admin) Cleanup(ctx context.Context, req CleanupRequest) (*CleanupReport, error) {
	ctx, span := tracer.Start(ctx, "Admin.Cleanup")
	defer span.End()

	if req.Days <= 0 {
		return nil, datatypes.E(datatypes.KindInvalidRequest,
			"cleanup horizon must be at least 1 day, got %d", req.Days)
	}

	cutoff := a.now().UTC().AddDate(0, 0, -req.Days)
	report := &CleanupReport{
		DryRun: !req.Execute,
		Cutoff: cutoff,
	}

	conv := a.cleanupConversations(ctx, cutoff, req.Execute)
	backups := a.cleanupBackups(ctx, cutoff, req.Execute)
	report.Categories = []CategoryResult{conv, backups}

	for _, cat := range report.Categories {
		report.TotalFilesActioned += cat.FilesActioned
		report.TotalBytesFreed += cat.BytesFreed
	}

	a.logger.Info("Retention sweep finished",
		"dry_run", report.DryRun,
		"cutoff", cutoff.Format(time.RFC3339),
		"actioned", report.TotalFilesActioned,
		"bytes", report.TotalBytesFreed)
	return report, nil
}

// cleanupConversations sweeps conversation files by modification
// time.
func (a *Admin) cleanupConversations(ctx context.Context, cutoff time.Time, execute bool) CategoryResult {
	result := CategoryResult{Category: StoreConversations}

	cfg := a.provider.Snapshot()
	pattern := filepath.Join(cfg.Paths.ConversationsDir, "*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	for _, path := range matches {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			return result
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		result.FilesProcessed++
		if info.ModTime().After(cutoff) {
			continue
		}
		if execute {
			if err := os.Remove(path); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
				continue
			}
		}
		result.FilesActioned++
		result.BytesFreed += info.Size()
	}
	return result
}

// cleanupBackups sweeps whole backups (payload directory plus
// manifest) by manifest creation time, always keeping the newest.
func (a *Admin) cleanupBackups(ctx context.Context, cutoff time.Time, execute bool) CategoryResult {
	result := CategoryResult{Category: "backups"}

	manifests, err := a.ListBackups(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.FilesProcessed = len(manifests)

	cfg := a.provider.Snapshot()
	for i, manifest := range manifests {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			return result
		}
		// ListBackups sorts newest first; index 0 is the survivor.
		if i == 0 {
			continue
		}
		if manifest.CreatedAt.After(cutoff) {
			continue
		}

		payload := filepath.Join(cfg.Paths.BackupsDir, manifest.Name)
		manifestPath := filepath.Join(cfg.Paths.BackupsDir, manifest.Name+manifestSuffix)

		var size int64
		if _, statErr := os.Stat(payload); statErr == nil {
			_, size = measureDir(payload)
		}
		if info, statErr := os.Stat(manifestPath); statErr == nil {
			size += info.Size()
		}

		if execute {
			if err := os.RemoveAll(payload); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", payload, err))
				continue
			}
			if err := os.Remove(manifestPath); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", manifestPath, err))
				continue
			}
		}
		result.FilesActioned++
		result.BytesFreed += size
	}
	return result
}
