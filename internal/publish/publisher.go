// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package publish gates the visibility of a session's transcoder output.
// The external process writes its playlist to a .tmp path; the publisher
// promotes it to the final name with an atomic rename, so a reader observes
// either the complete prior manifest or the complete new one, never a
// truncated file.
package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/streamgate/internal/fsutil"
	"github.com/ManuGH/streamgate/internal/hls"
	xglog "github.com/ManuGH/streamgate/internal/log"
)

const (
	// PlaylistName is the published manifest filename inside a key's dir.
	PlaylistName = "index.m3u8"
	// TmpPlaylistName is where the transcoder writes; promotion renames it.
	TmpPlaylistName = "index.m3u8.tmp"

	promoteInterval = 200 * time.Millisecond
)

var (
	// ErrConflict means the output location is still in use (an archive
	// lease is held) and cannot be cleared for a new session.
	ErrConflict = errors.New("publish location in use")

	// ErrNotReady means the session's first valid manifest has not been
	// published yet.
	ErrNotReady = errors.New("playlist not ready")

	// ErrNotFound means no live or retained output exists for the key.
	ErrNotFound = errors.New("no published output")
)

// RetireMode selects what happens to a session's output on retire.
type RetireMode int

const (
	// RetireDelete removes the output (ephemeral live streams).
	RetireDelete RetireMode = iota
	// RetireKeep leaves the output in place for archiving or forensics.
	RetireKeep
)

type entry struct {
	// lock serializes retire against archive read leases.
	lock   sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Publisher manages per-key publish directories under a single root.
type Publisher struct {
	root   string
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Publisher rooted at dir, creating it if needed.
func New(root string) (*Publisher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create publish root: %w", err)
	}
	return &Publisher{
		root:    root,
		logger:  xglog.WithComponent("publish"),
		entries: make(map[string]*entry),
	}, nil
}

// Dir returns the publish directory for key.
func (p *Publisher) Dir(key string) string {
	return filepath.Join(p.root, key)
}

// PlaylistPath returns the published manifest path for key.
func (p *Publisher) PlaylistPath(key string) string {
	return filepath.Join(p.root, key, PlaylistName)
}

// TmpPlaylistPath returns the transcoder's write target for key.
func (p *Publisher) TmpPlaylistPath(key string) string {
	return filepath.Join(p.root, key, TmpPlaylistName)
}

func (p *Publisher) entryFor(key string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{}
		p.entries[key] = e
	}
	return e
}

// Prepare allocates a fresh output location for a new session, clearing any
// stale output from a previous terminal session. It fails with ErrConflict
// if the location is still leased by an in-flight archive read.
func (p *Publisher) Prepare(key string) (string, error) {
	e := p.entryFor(key)
	if !e.lock.TryLock() {
		return "", fmt.Errorf("%w: %s", ErrConflict, key)
	}
	defer e.lock.Unlock()

	dir := p.Dir(key)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear publish dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create publish dir: %w", err)
	}
	return dir, nil
}

// BeginPublish starts the promotion loop for key. It runs until Retire.
func (p *Publisher) BeginPublish(key string) {
	e := p.entryFor(key)
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go p.promoteLoop(ctx, key, e.done)
}

// promoteLoop watches for a complete .tmp playlist and promotes it to the
// final name atomically. The transcoder's HLS muxer recreates the tmp file
// on every playlist update, so renaming it away is safe.
func (p *Publisher) promoteLoop(ctx context.Context, key string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final promotion so the latest manifest stays visible for
			// retained output and archiving.
			p.promoteOnce(key)
			return
		case <-ticker.C:
			p.promoteOnce(key)
		}
	}
}

// promoteOnce publishes the current .tmp playlist if it is a complete
// manifest. The candidate is first renamed to a staging name so a writer
// rewriting the tmp path cannot tear it between validation and publication;
// an incomplete snapshot is discarded and the muxer's next update retried.
func (p *Publisher) promoteOnce(key string) {
	tmp := p.TmpPlaylistPath(key)
	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		return
	}

	staged := tmp + ".promote"
	if err := os.Rename(tmp, staged); err != nil {
		return
	}
	data, err := os.ReadFile(staged)
	if err != nil || !hls.Valid(data) {
		_ = os.Remove(staged)
		return
	}

	published := p.PlaylistPath(key)
	if err := os.Rename(staged, published); err != nil {
		p.logger.Warn().Err(err).
			Str(xglog.FieldStreamKey, key).
			Str(xglog.FieldPlaylistPath, published).
			Msg("failed to promote playlist")
	}
}

// Readable reports whether the first valid manifest has been published.
func (p *Publisher) Readable(key string) bool {
	data, err := os.ReadFile(p.PlaylistPath(key))
	return err == nil && hls.Valid(data)
}

// WaitReady blocks until the first valid manifest is published or ctx ends.
// It prefers filesystem notifications and falls back to polling.
func (p *Publisher) WaitReady(ctx context.Context, key string) error {
	if p.Readable(key) {
		return nil
	}

	dir := p.Dir(key)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() {
			if cerr := watcher.Close(); cerr != nil {
				p.logger.Debug().Err(cerr).Msg("close readiness watcher")
			}
		}()
		if err := watcher.Add(dir); err != nil {
			p.logger.Debug().Err(err).Str(xglog.FieldStreamKey, key).Msg("watch publish dir")
		}
	}

	// Polling fallback covers lost events and the no-watcher case.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if filepath.Base(ev.Name) == PlaylistName && p.Readable(key) {
				return nil
			}
		case <-ticker.C:
			if p.Readable(key) {
				return nil
			}
		}
	}
}

// ReadPlaylist returns the published manifest bytes for key.
// A key with a publish dir but no manifest yet is ErrNotReady; a key with
// no output at all is ErrNotFound.
func (p *Publisher) ReadPlaylist(key string) ([]byte, error) {
	data, err := os.ReadFile(p.PlaylistPath(key))
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if _, derr := os.Stat(p.Dir(key)); derr == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, key)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// SegmentPath resolves a segment file inside a key's publish dir, confined
// against traversal. The name comes from an untrusted URL.
func (p *Publisher) SegmentPath(key, name string) (string, error) {
	path, err := fsutil.ConfineRelPath(p.root, filepath.Join(key, name))
	if err != nil {
		return "", err
	}
	if err := fsutil.IsRegularFile(path); err != nil {
		return "", err
	}
	return path, nil
}

// ReadLease takes a shared lease on the key's output that blocks Retire (but
// not segment writes) until released. Used by the archiver for snapshot
// consistency.
func (p *Publisher) ReadLease(key string) (func(), error) {
	if _, err := os.Stat(p.Dir(key)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	e := p.entryFor(key)
	e.lock.RLock()
	var once sync.Once
	return func() { once.Do(e.lock.RUnlock) }, nil
}

// Retire ends publishing for key: the promotion loop stops, and the output
// is deleted or kept per mode. Retire waits for any in-flight archive lease.
func (p *Publisher) Retire(key string, mode RetireMode) error {
	e := p.entryFor(key)
	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
		e.done = nil
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if mode == RetireKeep {
		return nil
	}
	if err := os.RemoveAll(p.Dir(key)); err != nil {
		return fmt.Errorf("retire publish dir: %w", err)
	}
	return nil
}
