// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package transcoder

import (
	"strings"
	"sync"
)

// LineRing is a thread-safe ring buffer for capturing the last N lines of
// process log output.
type LineRing struct {
	mu    sync.RWMutex
	lines []string
	head  int
	size  int
}

// NewLineRing creates a LineRing with the specified capacity.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 50
	}
	return &LineRing{
		lines: make([]string, capacity),
		size:  capacity,
	}
}

// Write implements io.Writer to capture output. Input is split by newline;
// for stderr logs a line-oriented view is sufficient.
func (r *LineRing) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		r.lines[r.head] = line
		r.head = (r.head + 1) % r.size
	}

	return len(p), nil
}

// LastN returns the last N lines in chronological order.
func (r *LineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}

	// r.head is the next write position, so walking size steps from head
	// visits entries oldest to newest.
	ordered := make([]string, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % r.size
		if r.lines[idx] != "" {
			ordered = append(ordered, r.lines[idx])
		}
	}

	if len(ordered) <= n {
		return ordered
	}
	return ordered[len(ordered)-n:]
}
