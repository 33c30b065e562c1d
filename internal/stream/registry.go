// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stream

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ManuGH/streamgate/internal/metrics"
)

// Registry is the authoritative in-memory map from stream key to session
// state. All methods are O(1) under one lock and perform no I/O; per-key
// serialization of control operations is the manager's job.
//
// Invariant: at most one session per key may be in a non-terminal state.
// Terminal records may linger (a crashed session stays observable as FAILED)
// and are replaced by the next successful TryClaim.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// TryClaim atomically inserts a new session in STARTING state iff no
// non-terminal session exists for key. A terminal leftover record is
// replaced.
func (r *Registry) TryClaim(key, source string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[key]; ok && !cur.State.IsTerminal() {
		return Session{}, fmt.Errorf("%w: %s", ErrAlreadyActive, key)
	}

	s := &Session{
		Key:       key,
		Source:    source,
		State:     StateStarting,
		StartedAt: time.Now(),
	}
	r.sessions[key] = s
	metrics.SessionsActive.Inc()
	return *s, nil
}

// Transition moves the session for key from state `from` to state `to`.
// It fails with ErrInvalidTransition if the current state differs from
// `from`, which is how a stop/crash race resolves to a single winner.
// EndedAt is set exactly once, on the terminal transition.
func (r *Registry) Transition(key string, from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if s.State != from {
		return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, key, s.State, from)
	}
	s.State = to
	if to.IsTerminal() && s.EndedAt.IsZero() {
		s.EndedAt = time.Now()
		metrics.SessionsActive.Dec()
	}
	return nil
}

// SetPublishDir records the publish location allocated for the session.
func (r *Registry) SetPublishDir(key, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.PublishDir = dir
	}
}

// SetLastError records the failure cause for a session.
func (r *Registry) SetLastError(key, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.LastError = msg
	}
}

// Release removes the session record. Only valid from a terminal state.
func (r *Registry) Release(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if !s.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, key, s.State)
	}
	delete(r.sessions, key)
	return nil
}

// Get returns a snapshot of the session for key.
func (r *Registry) Get(key string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[key]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return *s, nil
}

// List returns a point-in-time snapshot of all sessions, sorted by key.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
