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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

// =============================================================================
// Backup
// =============================================================================

func TestBackup_CapturesFilesystemStores(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 2)
	seedTrace(t, paths.trace)
	a := testAdmin(t, paths)

	manifest, err := a.Backup(context.Background(), BackupRequest{Name: "nightly"})
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, "nightly", manifest.Name)
	assert.Len(t, manifest.Stores, 2)

	conv, ok := manifest.Entry(StoreConversations)
	require.True(t, ok)
	assert.Equal(t, kindFilesystem, conv.Kind)
	assert.Equal(t, paths.conversations, conv.OriginalPath)
	assert.Equal(t, 2, conv.Files)

	// Payload holds byte-identical copies.
	copied, err := os.ReadFile(filepath.Join(paths.backups, "nightly", StoreConversations, "conv-0.json"))
	require.NoError(t, err)
	original, err := os.ReadFile(filepath.Join(paths.conversations, "conv-0.json"))
	require.NoError(t, err)
	assert.Equal(t, original, copied)

	// Manifest sits next to the payload directory.
	_, err = os.Stat(filepath.Join(paths.backups, "nightly"+manifestSuffix))
	assert.NoError(t, err)
}

func TestBackup_GeneratesTimestampedName(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)
	a.now = func() time.Time {
		return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	}

	manifest, err := a.Backup(context.Background(), BackupRequest{})
	require.NoError(t, err)
	assert.Equal(t, "backup_2026-03-14_092653", manifest.Name)
}

func TestBackup_SingleStoreFilter(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	seedTrace(t, paths.trace)
	a := testAdmin(t, paths)

	manifest, err := a.Backup(context.Background(), BackupRequest{
		Name:   "conv-only",
		Stores: []string{StoreConversations},
	})
	require.NoError(t, err)
	require.Len(t, manifest.Stores, 1)
	assert.Equal(t, StoreConversations, manifest.Stores[0].Store)

	_, err = os.Stat(filepath.Join(paths.backups, "conv-only", StoreTrace))
	assert.True(t, os.IsNotExist(err))
}

func TestBackup_ExplicitMissingStoreErrors(t *testing.T) {
	paths := newTestPaths(t)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{
		Name:   "empty",
		Stores: []string{StoreConversations},
	})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindNotFound))
}

func TestBackup_UnknownStoreRejected(t *testing.T) {
	paths := newTestPaths(t)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Stores: []string{"bogus"}})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindInvalidRequest))
}

func TestBackup_NameValidation(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	for _, name := range []string{"../escape", "a/b", ".hidden", "has space", "x" + manifestSuffix} {
		_, err := a.Backup(context.Background(), BackupRequest{Name: name})
		require.Error(t, err, "name %q", name)
		assert.True(t, datatypes.IsKind(err, datatypes.KindInvalidRequest), "name %q", name)
	}
}

func TestBackup_DuplicateNameRejected(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Name: "twice"})
	require.NoError(t, err)
	_, err = a.Backup(context.Background(), BackupRequest{Name: "twice"})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindInvalidRequest))
}

func TestBackup_InsufficientDiskAborts(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 3)
	a := testAdmin(t, paths)
	a.statfs = tinyStatfs

	_, err := a.Backup(context.Background(), BackupRequest{Name: "wontfit"})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindInvalidRequest))

	// Nothing was committed.
	_, err = os.Stat(filepath.Join(paths.backups, "wontfit"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(paths.backups, "wontfit"+manifestSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestBackup_VectorStoreRecorded(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	vector := &fakeVector{}
	a := testAdmin(t, paths, WithVectorBackups(vector))

	manifest, err := a.Backup(context.Background(), BackupRequest{Name: "With.Vector_1"})
	require.NoError(t, err)

	entry, ok := manifest.Entry(StoreExperiences)
	require.True(t, ok)
	assert.Equal(t, kindWeaviate, entry.Kind)
	assert.Equal(t, "with-vector-1", entry.WeaviateID)
	assert.Equal(t, "filesystem", entry.Backend)
	require.Len(t, vector.created, 1)
	assert.Equal(t, "filesystem/with-vector-1", vector.created[0])
}

func TestBackup_VectorFailureAbortsWholeBackup(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	vector := &fakeVector{createErr: datatypes.E(datatypes.KindUpstreamUnavailable, "weaviate down")}
	a := testAdmin(t, paths, WithVectorBackups(vector))

	_, err := a.Backup(context.Background(), BackupRequest{Name: "doomed"})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindUpstreamUnavailable))

	// The already-copied filesystem payload was rolled back.
	_, err = os.Stat(filepath.Join(paths.backups, "doomed"))
	assert.True(t, os.IsNotExist(err))
}

func TestBackup_NothingToBackUp(t *testing.T) {
	paths := newTestPaths(t)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Name: "void"})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindNotFound))
}

// =============================================================================
// Restore
// =============================================================================

func TestRestore_RoundTrip(t *testing.T) {
	paths := newTestPaths(t)
	seeded := seedConversations(t, paths.conversations, 2)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Name: "pre-wipe"})
	require.NoError(t, err)

	// Simulate data loss.
	require.NoError(t, os.RemoveAll(paths.conversations))

	manifest, err := a.Restore(context.Background(), RestoreRequest{Backup: "pre-wipe"})
	require.NoError(t, err)
	require.NotNil(t, manifest)

	for _, path := range seeded {
		_, err := os.Stat(path)
		assert.NoError(t, err, "restored file %s", path)
	}

	// The backup survives its own restore.
	_, err = os.Stat(filepath.Join(paths.backups, "pre-wipe", StoreConversations))
	assert.NoError(t, err)
}

func TestRestore_AcceptsManifestFilename(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Name: "by-file"})
	require.NoError(t, err)

	_, err = a.Restore(context.Background(), RestoreRequest{Backup: "by-file" + manifestSuffix})
	assert.NoError(t, err)
}

func TestRestore_ReplacesCurrentContents(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Name: "clean"})
	require.NoError(t, err)

	// A file created after the backup must not survive the restore.
	straggler := filepath.Join(paths.conversations, "straggler.json")
	require.NoError(t, os.WriteFile(straggler, []byte(`{}`), 0640))

	_, err = a.Restore(context.Background(), RestoreRequest{Backup: "clean"})
	require.NoError(t, err)

	_, err = os.Stat(straggler)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(paths.conversations, "conv-0.json"))
	assert.NoError(t, err)
}

func TestRestore_StoreFilter(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	seedTrace(t, paths.trace)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Name: "both"})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(paths.conversations))
	require.NoError(t, os.RemoveAll(paths.trace))

	_, err = a.Restore(context.Background(), RestoreRequest{Backup: "both", Store: StoreTrace})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(paths.trace, "MANIFEST"))
	assert.NoError(t, err)
	_, err = os.Stat(paths.conversations)
	assert.True(t, os.IsNotExist(err), "filtered store must not be restored")
}

func TestRestore_UnknownStoreInBackup(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Name: "convs"})
	require.NoError(t, err)

	_, err = a.Restore(context.Background(), RestoreRequest{Backup: "convs", Store: StoreTrace})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindNotFound))
}

func TestRestore_MissingBackup(t *testing.T) {
	paths := newTestPaths(t)
	a := testAdmin(t, paths)

	_, err := a.Restore(context.Background(), RestoreRequest{Backup: "never-made"})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindNotFound))
}

func TestRestore_MovedStoreUsesCurrentLocation(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Name: "mover"})
	require.NoError(t, err)

	// Same backups dir, different conversations dir: a config move.
	moved := filepath.Join(t.TempDir(), "conversations-v2")
	movedPaths := testPaths{conversations: moved, trace: paths.trace, backups: paths.backups}
	b := testAdmin(t, movedPaths)

	_, err = b.Restore(context.Background(), RestoreRequest{Backup: "mover"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(moved, "conv-0.json"))
	assert.NoError(t, err)
}

func TestRestore_WeaviateDriverInvoked(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	vector := &fakeVector{}
	a := testAdmin(t, paths, WithVectorBackups(vector))

	_, err := a.Backup(context.Background(), BackupRequest{Name: "vec"})
	require.NoError(t, err)

	_, err = a.Restore(context.Background(), RestoreRequest{Backup: "vec", Store: StoreExperiences})
	require.NoError(t, err)
	require.Len(t, vector.restored, 1)
	assert.Equal(t, "filesystem/vec", vector.restored[0])
}

func TestRestore_WeaviateUnconfigured(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	vector := &fakeVector{}
	a := testAdmin(t, paths, WithVectorBackups(vector))

	_, err := a.Backup(context.Background(), BackupRequest{Name: "orphan"})
	require.NoError(t, err)

	// A fresh Admin without the driver cannot restore the vector part.
	b := testAdmin(t, paths)
	_, err = b.Restore(context.Background(), RestoreRequest{Backup: "orphan", Store: StoreExperiences})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindUpstreamUnavailable))
}

func TestListBackups_NewestFirst(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"old", "mid", "new"} {
		stamp := base.AddDate(0, 0, i)
		a.now = func() time.Time { return stamp }
		_, err := a.Backup(context.Background(), BackupRequest{Name: name})
		require.NoError(t, err)
	}

	manifests, err := a.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, manifests, 3)
	assert.Equal(t, "new", manifests[0].Name)
	assert.Equal(t, "old", manifests[2].Name)
}

func TestListBackups_SkipsCorruptManifest(t *testing.T) {
	paths := newTestPaths(t)
	seedConversations(t, paths.conversations, 1)
	a := testAdmin(t, paths)

	_, err := a.Backup(context.Background(), BackupRequest{Name: "good"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(
		filepath.Join(paths.backups, "bad"+manifestSuffix), []byte("{not json"), 0640))

	manifests, err := a.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "good", manifests[0].Name)
}

func TestListBackups_EmptyDirIsFine(t *testing.T) {
	paths := newTestPaths(t)
	a := testAdmin(t, paths)

	manifests, err := a.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestWeaviateBackupID_Sanitizes(t *testing.T) {
	cases := map[string]string{
		"backup_2026-03-14_092653": "backup-2026-03-14-092653",
		"Nightly.Full":             "nightly-full",
		"--edges--":                "edges",
	}
	for in, want := range cases {
		assert.Equal(t, want, weaviateBackupID(in), "input %q", in)
	}
	assert.False(t, strings.ContainsAny(weaviateBackupID("A_b.C"), "._"))
}
