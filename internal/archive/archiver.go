// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package archive copies a session's published output into durable storage
// under a snapshot-consistency guarantee: the archived manifest references
// exactly the segments that were copied, never ones that rotated out.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/streamgate/internal/fsutil"
	"github.com/ManuGH/streamgate/internal/hls"
	xglog "github.com/ManuGH/streamgate/internal/log"
	"github.com/ManuGH/streamgate/internal/metrics"
	"github.com/ManuGH/streamgate/internal/publish"
)

var (
	// ErrNotFound means no live or retained output exists for the key.
	ErrNotFound = errors.New("no output to archive")

	// ErrSnapshotUnstable means the manifest rotated segments out faster
	// than the copy could follow, twice. The caller may retry later.
	ErrSnapshotUnstable = errors.New("snapshot unstable")

	// ErrStorage wraps persistent storage failures during the copy.
	ErrStorage = errors.New("archive storage error")
)

// snapshotAttempts is the manifest-driven two-pass budget: one initial read
// plus one full retry after observing a rotated-out segment.
const snapshotAttempts = 2

// Archiver copies published output trees into the archive root and records
// them in the index. Safe for concurrent use across distinct keys.
type Archiver struct {
	root   string
	pub    *publish.Publisher
	store  *Store
	logger zerolog.Logger
}

// New returns an Archiver rooted at dir, creating it if needed.
func New(root string, pub *publish.Publisher, store *Store) (*Archiver, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Archiver{
		root:   root,
		pub:    pub,
		store:  store,
		logger: xglog.WithComponent("archive"),
	}, nil
}

// List returns all archive entries, newest first.
func (a *Archiver) List(ctx context.Context) ([]Entry, error) {
	return a.store.List(ctx)
}

// Archive copies the current published output of key to durable storage and
// returns the new entry. A live session keeps writing segments throughout;
// only Retire is blocked (via a read lease) for the duration of the copy.
//
// Consistency: the manifest is read first, then exactly the segments it
// names are copied, and the manifest is written last (atomically). If a
// referenced segment has already rotated out, the whole snapshot is retried
// once from a fresh manifest; a second miss is ErrSnapshotUnstable.
func (a *Archiver) Archive(ctx context.Context, key string) (Entry, error) {
	release, err := a.pub.ReadLease(key)
	if err != nil {
		metrics.ArchiveOps.WithLabelValues("not_found").Inc()
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	defer release()

	begin := time.Now()
	srcDir := a.pub.Dir(key)

	for attempt := 1; attempt <= snapshotAttempts; attempt++ {
		entry, retryable, err := a.snapshot(ctx, key, srcDir)
		if err == nil {
			metrics.ArchiveOps.WithLabelValues("ok").Inc()
			metrics.ArchiveDuration.Observe(time.Since(begin).Seconds())
			a.logger.Info().
				Str(xglog.FieldStreamKey, key).
				Str(xglog.FieldArchiveDir, entry.Location).
				Int("attempt", attempt).
				Msg("archived stream output")
			return entry, nil
		}
		if !retryable {
			metrics.ArchiveOps.WithLabelValues("storage_error").Inc()
			return Entry{}, err
		}
		a.logger.Warn().
			Str(xglog.FieldStreamKey, key).
			Int("attempt", attempt).
			Err(err).
			Msg("snapshot torn by segment rotation, retrying")
	}

	metrics.ArchiveOps.WithLabelValues("unstable").Inc()
	return Entry{}, fmt.Errorf("%w: %s", ErrSnapshotUnstable, key)
}

// snapshot performs one manifest-driven copy pass. The bool result reports
// whether a failure is worth retrying with a fresh manifest.
func (a *Archiver) snapshot(ctx context.Context, key, srcDir string) (Entry, bool, error) {
	data, err := os.ReadFile(filepath.Join(srcDir, publish.PlaylistName))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Entry{}, false, fmt.Errorf("%w: read manifest: %v", ErrStorage, err)
	}
	manifest, err := hls.Parse(data)
	if err != nil {
		// The promote discipline makes a torn manifest read impossible;
		// an unparsable file means the key's dir holds something else.
		return Entry{}, false, fmt.Errorf("%w: %s: %v", ErrNotFound, key, err)
	}

	id := uuid.NewString()
	stamp := time.Now().UTC().Format("20060102T150405Z")
	dstDir := filepath.Join(a.root, key, stamp+"-"+id[:8])
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return Entry{}, false, fmt.Errorf("%w: create archive dir: %v", ErrStorage, err)
	}

	for _, seg := range manifest.SegmentURIs {
		src, err := fsutil.ConfineRelPath(srcDir, seg)
		if err != nil {
			_ = os.RemoveAll(dstDir)
			return Entry{}, false, fmt.Errorf("%w: manifest references %q: %v", ErrStorage, seg, err)
		}
		if err := copySegment(ctx, src, filepath.Join(dstDir, filepath.Base(seg))); err != nil {
			_ = os.RemoveAll(dstDir)
			if errors.Is(err, os.ErrNotExist) {
				// Rotated out between manifest read and copy.
				return Entry{}, true, fmt.Errorf("segment %s rotated out", seg)
			}
			return Entry{}, false, fmt.Errorf("%w: copy %s: %v", ErrStorage, seg, err)
		}
	}

	// Manifest last, atomically: a reader of the archive never sees a
	// manifest whose segments are incomplete.
	if err := writeManifest(filepath.Join(dstDir, publish.PlaylistName), data); err != nil {
		_ = os.RemoveAll(dstDir)
		return Entry{}, false, fmt.Errorf("%w: write manifest: %v", ErrStorage, err)
	}

	entry := Entry{
		ID:         id,
		Key:        key,
		ArchivedAt: time.Now().UTC(),
		Location:   dstDir,
	}
	if err := a.store.Insert(ctx, entry); err != nil {
		_ = os.RemoveAll(dstDir)
		return Entry{}, false, fmt.Errorf("%w: index insert: %v", ErrStorage, err)
	}
	return entry, false, nil
}

// copySegment copies one segment file, retrying once on transient errors.
// A missing source is permanent here; the caller handles rotation.
func copySegment(ctx context.Context, src, dst string) error {
	op := func() (struct{}, error) {
		err := copyFile(src, dst)
		if err != nil && errors.Is(err, os.ErrNotExist) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxTries(2),
	)
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- confined to the publish dir
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// writeManifest writes the archived manifest with fsync-then-rename
// durability.
func writeManifest(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}
