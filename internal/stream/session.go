// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package stream owns the live-transcoding session lifecycle: the registry
// mapping stream keys to sessions, the session state machine, and the
// manager orchestrating process supervision, playlist publishing and
// archiving.
package stream

import (
	"context"
	"time"
)

// State is the client-visible lifecycle of a session.
type State string

const (
	StateStarting State = "STARTING"
	StateLive     State = "LIVE"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateFailed   State = "FAILED"
)

// IsTerminal returns true if the state is a final state.
func (s State) IsTerminal() bool {
	switch s {
	case StateStopped, StateFailed:
		return true
	}
	return false
}

// Session is one tracked lifecycle of ingest-to-output transcoding for a
// stream key. Values handed out by the registry are snapshots, never shared
// pointers.
type Session struct {
	Key        string    `json:"key"`
	Source     string    `json:"source"`
	State      State     `json:"state"`
	PublishDir string    `json:"-"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt,omitzero"`
	LastError  string    `json:"lastError,omitempty"`
}

// ExitStatus describes how a transcoder process ended.
// Reason is one of "clean" (caller-initiated stop or exit 0), "crash"
// (uninitiated non-zero exit) or "killed" (grace timeout escalation).
type ExitStatus struct {
	Code      int
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
}

const (
	ExitClean  = "clean"
	ExitCrash  = "crash"
	ExitKilled = "killed"
)

// Process is a handle to one supervised transcoder process. The supervisor
// exclusively owns the underlying process; the manager only holds this
// handle for control operations.
type Process interface {
	// Done is closed once the process has been reaped and Status is final.
	Done() <-chan struct{}
	// Status is valid only after Done is closed.
	Status() ExitStatus
	// Terminate requests graceful shutdown and escalates to SIGKILL after
	// grace. Terminating an already-exited process is a no-op.
	Terminate(ctx context.Context, grace time.Duration) error
	// StderrTail returns up to n recent stderr lines for diagnosis.
	StderrTail(n int) []string
}

// Spawner launches supervised transcoder processes. The real implementation
// drives ffmpeg; tests substitute fakes.
type Spawner interface {
	Spawn(ctx context.Context, key, source, outDir string) (Process, error)
}
