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
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/pkg/ux"
	"github.com/AleutianAI/SkiffLocal/services/forge/admin"
)

// cliLogger routes the admin layer's structured logs to stderr so
// stdout stays parseable. Warnings and up only; the CLI's own output
// is the real interface.
func cliLogger() *logging.Logger {
	m := logging.NewManager(logging.LevelWarn)
	m.AddSink(logging.NewConsoleSink(os.Stderr))
	return m.Logger(logging.SourceSystem)
}

// newAdmin builds the store admin over the loaded configuration.
func newAdmin() *admin.Admin {
	return admin.New(provider, cliLogger())
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runDBList(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	stores, err := newAdmin().List(ctx)
	if err != nil {
		fail("Could not inspect stores: %v", err)
	}
	renderStores(os.Stdout, stores)
}

func runDBStats(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	stats, err := newAdmin().Stats(ctx)
	if err != nil {
		fail("Could not gather stats: %v", err)
	}
	renderStats(os.Stdout, stats)
}

// runDBBackup captures the persisted stores into the backups
// directory.
//
// # Description
//
// An optional positional argument names the backup; without it a
// timestamped name is generated. --db limits the capture to specific
// stores, and naming a store that has no data is an error rather than
// a silent skip.
//
// # Outputs
//
// Prints the manifest of the finished backup to stdout.
func runDBBackup(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	req := admin.BackupRequest{Stores: backupStores}
	if len(args) > 0 {
		req.Name = args[0]
	}

	manifest, err := newAdmin().Backup(ctx, req)
	if err != nil {
		fail("Backup failed: %v", err)
	}
	ux.Success(fmt.Sprintf("Backup %s complete", manifest.Name))
	renderManifest(os.Stdout, manifest)
}

func runDBRestore(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	req := admin.RestoreRequest{Backup: args[0], Store: restoreStore}
	manifest, err := newAdmin().Restore(ctx, req)
	if err != nil {
		fail("Restore failed: %v", err)
	}
	ux.Success(fmt.Sprintf("Restored from %s", manifest.Name))
	renderManifest(os.Stdout, manifest)
}

func runDBCleanup(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	req := admin.CleanupRequest{Days: cleanupDays, Execute: cleanupExecute}
	report, err := newAdmin().Cleanup(ctx, req)
	if err != nil {
		fail("Cleanup failed: %v", err)
	}
	renderCleanup(os.Stdout, report)

	if report.DryRun {
		ux.Warning("Dry run only. Re-run with --execute to delete.")
	}
}

// =============================================================================
// OUTPUT FORMATTING
// =============================================================================

// renderStores prints one line per store: status icon, name, kind,
// and measurements.
func renderStores(w io.Writer, stores []admin.StoreInfo) {
	for _, s := range stores {
		icon := ux.IconSuccess
		note := ""
		switch {
		case !s.Configured:
			icon = ux.IconError
			note = " (not configured)"
		case !s.Exists:
			icon = ux.IconPending
			note = " (empty)"
		}

		line := fmt.Sprintf("%s %-14s %-11s %s%s",
			icon.Render(), s.Name, s.Kind, s.Location, note)
		if s.Files > 0 {
			line += fmt.Sprintf("  %d files, %s", s.Files, formatBytes(s.SizeBytes))
		}
		fmt.Fprintln(w, line)
	}
}

func renderStats(w io.Writer, stats *admin.Stats) {
	renderStores(w, stats.Stores)
	fmt.Fprintf(w, "backups: %d in %s\n", stats.Backups, stats.BackupsDir)
	fmt.Fprintf(w, "disk: %d MB free of %d MB\n", stats.DiskFreeMB, stats.DiskTotalMB)
}

func renderManifest(w io.Writer, m *admin.Manifest) {
	fmt.Fprintf(w, "%s  created %s\n", m.Name, m.CreatedAt.Format("2006-01-02 15:04:05"))
	for _, entry := range m.Stores {
		switch entry.Kind {
		case "weaviate":
			fmt.Fprintf(w, "  %-14s weaviate backup %s (backend %s)\n",
				entry.Store, entry.WeaviateID, entry.Backend)
		default:
			fmt.Fprintf(w, "  %-14s %d files, %s (from %s)\n",
				entry.Store, entry.Files, formatBytes(entry.SizeBytes), entry.OriginalPath)
		}
	}
}

func renderCleanup(w io.Writer, report *admin.CleanupReport) {
	mode := "deleted"
	if report.DryRun {
		mode = "would delete"
	}
	fmt.Fprintf(w, "cutoff: %s\n", report.Cutoff.Format("2006-01-02"))
	for _, cat := range report.Categories {
		fmt.Fprintf(w, "  %-14s %s %d of %d, freeing %s\n",
			cat.Category, mode, cat.FilesActioned, cat.FilesProcessed,
			formatBytes(cat.BytesFreed))
		for _, e := range cat.Errors {
			fmt.Fprintf(w, "    error: %s\n", e)
		}
	}
	fmt.Fprintf(w, "total: %d items, %s\n",
		report.TotalFilesActioned, formatBytes(report.TotalBytesFreed))
}

// formatBytes renders a size in the largest unit that keeps the
// number readable.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	value := fmt.Sprintf("%.1f", float64(n)/float64(div))
	value = strings.TrimSuffix(value, ".0")
	return fmt.Sprintf("%s %cB", value, "KMGTPE"[exp])
}
