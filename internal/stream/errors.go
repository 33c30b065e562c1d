package stream

import "errors"

var (
	// ErrInvalidKey rejects keys that are unsafe for filesystem or
	// process-argument use. Checked before any state mutation.
	ErrInvalidKey = errors.New("invalid stream key")

	// ErrAlreadyActive is returned by TryClaim when a non-terminal session
	// exists for the key.
	ErrAlreadyActive = errors.New("stream already active")

	// ErrNotActive is returned by Stop when no non-terminal session exists.
	ErrNotActive = errors.New("stream not active")

	// ErrNotFound is returned by registry lookups for unknown keys.
	ErrNotFound = errors.New("stream not found")

	// ErrInvalidTransition guards against races between a caller-initiated
	// stop and an async crash notification. Internal: logged, never surfaced.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotTerminal is returned by Release for sessions still in flight.
	ErrNotTerminal = errors.New("session not in terminal state")

	// ErrSpawnFailed indicates the external transcoder could not be launched.
	ErrSpawnFailed = errors.New("transcoder spawn failed")

	// ErrStartupTimeout indicates the playlist did not become readable
	// within the configured ready timeout. The start is fully cleaned up.
	ErrStartupTimeout = errors.New("stream did not become ready in time")
)
