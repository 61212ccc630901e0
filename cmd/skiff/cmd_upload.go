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
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SkiffLocal/cmd/skiff/gcs"
	"github.com/AleutianAI/SkiffLocal/pkg/ux"
)

// Upload commands copy local data to GCS. They require the cloud
// section of skiff.yaml to be filled in; everything else in skiff
// works without it.

// newGCSClient builds a GCS client from skiff.yaml or exits with a
// pointer at the missing configuration.
func newGCSClient(ctx context.Context) *gcs.Client {
	cloud := provider.Snapshot().Cloud
	if !cloud.Configured() {
		fail("Cloud uploads are not configured. Set cloud.gcs_project, " +
			"cloud.gcs_bucket, and cloud.gcs_credentials_file in skiff.yaml.")
	}

	client, err := gcs.NewClient(ctx, cloud.GCSProject, cloud.GCSBucket, cloud.GCSCredentialsFile)
	if err != nil {
		fail("Could not create GCS client: %v", err)
	}
	return client
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runUploadLogs(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	target := provider.Snapshot().Paths.LogFile
	if len(args) > 0 {
		target = args[0]
	}
	if target == "" {
		fail("No log file configured (paths.log_file) and no path given.")
	}

	info, err := os.Stat(target)
	if err != nil {
		fail("Could not read %s: %v", target, err)
	}

	client := newGCSClient(ctx)
	if info.IsDir() {
		err = client.UploadDir(ctx, target, "logs")
	} else {
		err = client.UploadFile(ctx, target, "logs/"+filepath.Base(target))
	}
	if err != nil {
		fail("Log upload failed: %v", err)
	}
	ux.Success(fmt.Sprintf("Logs uploaded to gs://%s/logs", client.BucketName))
}

func runUploadBackups(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	dir := provider.Snapshot().Paths.BackupsDir
	if len(args) > 0 {
		dir = args[0]
	}
	if _, err := os.Stat(dir); err != nil {
		fail("Backups directory %s is not readable: %v. Run 'skiff db backup' first.", dir, err)
	}

	client := newGCSClient(ctx)
	if err := client.UploadDir(ctx, dir, "backups"); err != nil {
		fail("Backup upload failed: %v", err)
	}
	ux.Success(fmt.Sprintf("Backups uploaded to gs://%s/backups", client.BucketName))
}
