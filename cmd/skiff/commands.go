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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath  string // CLI override for the skiff.yaml location
	plainOutput bool   // force grep-friendly output

	backupStores   []string
	restoreStore   string
	cleanupDays    int
	cleanupExecute bool

	rootCmd = &cobra.Command{
		Use:   "skiff",
		Short: "A cli to administer the local Skiff code-generation service",
		Long: `Skiff runs a multi-agent code-generation workflow entirely on
				your own machine. This cli manages its persisted stores,
				sessions, and off-machine copies, and can run the daemon
				itself.`,
	}

	// --- Databases ---
	dbCmd = &cobra.Command{
		Use:   "db",
		Short: "Inspect and maintain the persisted stores",
	}
	dbListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the managed stores and their current state",
		Run:   runDBList, // Defined in cmd_db.go
	}
	dbStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show store sizes, backup count, and disk headroom",
		Run:   runDBStats, // Defined in cmd_db.go
	}
	dbBackupCmd = &cobra.Command{
		Use:   "backup [name]",
		Short: "Create a backup of the persisted stores",
		Run:   runDBBackup, // Defined in cmd_db.go
	}
	dbRestoreCmd = &cobra.Command{
		Use:   "restore [backup_name]",
		Short: "Restore stores from a named backup",
		Args:  cobra.ExactArgs(1),
		Run:   runDBRestore, // Defined in cmd_db.go
	}
	dbCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Remove conversations and backups older than a horizon",
		Run:   runDBCleanup, // Defined in cmd_db.go
	}

	// --- Sessions ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage conversation sessions on the running daemon",
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all conversation sessions",
		Run:   runListSessions, // Defined in cmd_session.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a specific conversation session",
		Run:   runDeleteSession, // Defined in cmd_session.go
	}

	// --- GCS ---
	uploadCmd = &cobra.Command{
		Use:   "upload",
		Short: "Upload data to Google Cloud Storage (GCS)",
	}
	uploadLogsCmd = &cobra.Command{
		Use:   "logs [local_path]",
		Short: "Uploads the service log to GCS",
		Run:   runUploadLogs, // Defined in cmd_upload.go
	}
	uploadBackupsCmd = &cobra.Command{
		Use:   "backups [local_directory]",
		Short: "Uploads store backups from a local directory to GCS",
		Run:   runUploadBackups, // Defined in cmd_upload.go
	}

	// --- Daemon ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the forge daemon in the foreground",
		Run:   runServe, // Defined in cmd_serve.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to skiff.yaml (default: $SKIFF_CONFIG, then ./skiff.yaml)")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false,
		"Plain output for scripting (no colors or decoration)")

	// store maintenance commands
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbListCmd)
	dbCmd.AddCommand(dbStatsCmd)
	dbCmd.AddCommand(dbBackupCmd)
	dbBackupCmd.Flags().StringSliceVar(&backupStores, "db", nil,
		"Limit the backup to named stores (conversations, experiences, trace). Repeatable.")
	dbCmd.AddCommand(dbRestoreCmd)
	dbRestoreCmd.Flags().StringVar(&restoreStore, "db", "",
		"Restore only this store from the backup")
	dbCmd.AddCommand(dbCleanupCmd)
	dbCleanupCmd.Flags().IntVar(&cleanupDays, "days", 30,
		"Retention horizon in days; older data is swept")
	dbCleanupCmd.Flags().BoolVar(&cleanupExecute, "execute", false,
		"Actually delete. Without this flag the sweep is a dry run.")

	// session commands
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(listSessionsCmd)
	sessionCmd.AddCommand(deleteSessionCmd)

	// GCS data commands
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.AddCommand(uploadLogsCmd)
	uploadCmd.AddCommand(uploadBackupsCmd)

	// daemon
	rootCmd.AddCommand(serveCmd)
}
