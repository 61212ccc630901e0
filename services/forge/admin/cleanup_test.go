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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

// age pushes a file's modification time n days into the past.
func age(t *testing.T, path string, days int) {
	t.Helper()
	stamp := time.Now().AddDate(0, 0, -days)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func categoryByName(t *testing.T, report *CleanupReport, name string) CategoryResult {
	t.Helper()
	for _, cat := range report.Categories {
		if cat.Category == name {
			return cat
		}
	}
	t.Fatalf("report has no category %q", name)
	return CategoryResult{}
}

func TestCleanup_InvalidHorizon(t *testing.T) {
	paths := newTestPaths(t)
	a := testAdmin(t, paths)

	for _, days := range []int{0, -7} {
		_, err := a.Cleanup(context.Background(), CleanupRequest{Days: days})
		require.Error(t, err, "days %d", days)
		assert.True(t, datatypes.IsKind(err, datatypes.KindInvalidRequest))
	}
}

func TestCleanup_DryRunByDefault(t *testing.T) {
	paths := newTestPaths(t)
	seeded := seedConversations(t, paths.conversations, 3)
	age(t, seeded[0], 60)
	age(t, seeded[1], 45)
	a := testAdmin(t, paths)

	report, err := a.Cleanup(context.Background(), CleanupRequest{Days: 30})
	require.NoError(t, err)
	assert.True(t, report.DryRun)

	conv := categoryByName(t, report, StoreConversations)
	assert.Equal(t, 3, conv.FilesProcessed)
	assert.Equal(t, 2, conv.FilesActioned)
	assert.Greater(t, conv.BytesFreed, int64(0))
	assert.Empty(t, conv.Errors)

	// Dry run reports; it never deletes.
	for _, path := range seeded {
		_, err := os.Stat(path)
		assert.NoError(t, err, "file %s", path)
	}
}

func TestCleanup_ExecuteRemovesOldConversations(t *testing.T) {
	paths := newTestPaths(t)
	seeded := seedConversations(t, paths.conversations, 3)
	age(t, seeded[0], 60)
	age(t, seeded[1], 45)
	a := testAdmin(t, paths)

	report, err := a.Cleanup(context.Background(), CleanupRequest{Days: 30, Execute: true})
	require.NoError(t, err)
	assert.False(t, report.DryRun)
	assert.Equal(t, 2, report.TotalFilesActioned)

	_, err = os.Stat(seeded[0])
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(seeded[1])
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(seeded[2])
	assert.NoError(t, err, "recent file must survive")
}

func TestCleanup_KeepsNewestBackup(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	// Three backups, all older than any sane horizon.
	for i, name := range []string{"ancient", "older", "recentish"} {
		stamp := time.Now().UTC().AddDate(0, 0, -90+i*15)
		a.now = func() time.Time { return stamp }
		_, err := a.Backup(context.Background(), BackupRequest{Name: name})
		require.NoError(t, err)
	}
	a.now = time.Now

	report, err := a.Cleanup(context.Background(), CleanupRequest{Days: 30, Execute: true})
	require.NoError(t, err)

	backups := categoryByName(t, report, "backups")
	assert.Equal(t, 3, backups.FilesProcessed)
	assert.Equal(t, 2, backups.FilesActioned)
	assert.Greater(t, backups.BytesFreed, int64(0))

	manifests, err := a.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "recentish", manifests[0].Name)

	// Payloads went with their manifests.
	_, err = os.Stat(filepath.Join(paths.backups, "ancient"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(paths.backups, "recentish"))
	assert.NoError(t, err)
}

func TestCleanup_RecentBackupsUntouched(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	for _, name := range []string{"fresh-a", "fresh-b"} {
		_, err := a.Backup(context.Background(), BackupRequest{Name: name})
		require.NoError(t, err)
	}

	report, err := a.Cleanup(context.Background(), CleanupRequest{Days: 30, Execute: true})
	require.NoError(t, err)

	backups := categoryByName(t, report, "backups")
	assert.Equal(t, 0, backups.FilesActioned)

	manifests, err := a.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Len(t, manifests, 2)
}

func TestCleanup_DryRunCountsBackups(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	for i, name := range []string{"first", "second"} {
		stamp := time.Now().UTC().AddDate(0, 0, -60+i)
		a.now = func() time.Time { return stamp }
		_, err := a.Backup(context.Background(), BackupRequest{Name: name})
		require.NoError(t, err)
	}
	a.now = time.Now

	report, err := a.Cleanup(context.Background(), CleanupRequest{Days: 30})
	require.NoError(t, err)

	backups := categoryByName(t, report, "backups")
	assert.Equal(t, 1, backups.FilesActioned)

	manifests, err := a.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Len(t, manifests, 2, "dry run must not delete")
}
