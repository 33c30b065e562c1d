// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/streamgate/internal/publish"
)

type archiveFixture struct {
	arch *Archiver
	pub  *publish.Publisher
}

func newArchiveFixture(t *testing.T) *archiveFixture {
	t.Helper()
	root := t.TempDir()

	pub, err := publish.New(filepath.Join(root, "live"))
	require.NoError(t, err)

	store, err := NewStore(filepath.Join(root, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	arch, err := New(filepath.Join(root, "archive"), pub, store)
	require.NoError(t, err)
	return &archiveFixture{arch: arch, pub: pub}
}

// publishOutput lays down a published manifest plus the segments it names,
// as a session's promoted output would look on disk.
func (fx *archiveFixture) publishOutput(t *testing.T, key string, segments []string, writeSegs bool) {
	t.Helper()
	dir, err := fx.pub.Prepare(key)
	require.NoError(t, err)

	manifest := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n"
	for _, seg := range segments {
		manifest += "#EXTINF:2.0,\n" + seg + "\n"
		if writeSegs {
			require.NoError(t, os.WriteFile(filepath.Join(dir, seg), []byte("data-"+seg), 0o644))
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, publish.PlaylistName), []byte(manifest), 0o644))
}

func TestArchiver_SnapshotCopiesManifestAndSegments(t *testing.T) {
	fx := newArchiveFixture(t)
	ctx := context.Background()
	segs := []string{"seg_000000.ts", "seg_000001.ts", "seg_000002.ts"}
	fx.publishOutput(t, "cam1", segs, true)

	entry, err := fx.arch.Archive(ctx, "cam1")
	require.NoError(t, err)
	assert.Equal(t, "cam1", entry.Key)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.ArchivedAt.IsZero())

	for _, seg := range segs {
		data, err := os.ReadFile(filepath.Join(entry.Location, seg))
		require.NoError(t, err)
		assert.Equal(t, "data-"+seg, string(data))
	}
	archived, err := os.ReadFile(filepath.Join(entry.Location, publish.PlaylistName))
	require.NoError(t, err)
	assert.Contains(t, string(archived), "seg_000002.ts")

	entries, err := fx.arch.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
}

func TestArchiver_ReArchiveCreatesNewVersion(t *testing.T) {
	fx := newArchiveFixture(t)
	ctx := context.Background()
	fx.publishOutput(t, "cam1", []string{"seg_000000.ts"}, true)

	first, err := fx.arch.Archive(ctx, "cam1")
	require.NoError(t, err)
	second, err := fx.arch.Archive(ctx, "cam1")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Location, second.Location)
	assert.DirExists(t, first.Location)
	assert.DirExists(t, second.Location)

	entries, err := fx.arch.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestArchiver_RotatedSegmentIsUnstable(t *testing.T) {
	fx := newArchiveFixture(t)
	ctx := context.Background()

	// Manifest references a segment that no longer exists; both snapshot
	// passes observe the same torn state.
	fx.publishOutput(t, "cam1", []string{"seg_000000.ts", "seg_000009.ts"}, false)
	dir := fx.pub.Dir("cam1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg_000009.ts"), []byte("x"), 0o644))

	_, err := fx.arch.Archive(ctx, "cam1")
	require.ErrorIs(t, err, ErrSnapshotUnstable)

	// Nothing half-written survives a failed snapshot.
	entries, err := fx.arch.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiver_UnknownKey(t *testing.T) {
	fx := newArchiveFixture(t)
	_, err := fx.arch.Archive(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestArchiver_NoManifestYet(t *testing.T) {
	fx := newArchiveFixture(t)
	_, err := fx.pub.Prepare("cam1")
	require.NoError(t, err)

	_, err = fx.arch.Archive(context.Background(), "cam1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestArchiver_ForeignManifestRejected(t *testing.T) {
	fx := newArchiveFixture(t)
	dir, err := fx.pub.Prepare("cam1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, publish.PlaylistName), []byte("<html>"), 0o644))

	_, err = fx.arch.Archive(context.Background(), "cam1")
	require.ErrorIs(t, err, ErrNotFound)
}
