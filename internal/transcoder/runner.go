// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package transcoder supervises the external ffmpeg process that rewrites a
// live source into segmented HLS output. Every spawned process is tracked,
// reaped exactly once, and terminated via its process group so no children
// are orphaned.
package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	xglog "github.com/ManuGH/streamgate/internal/log"
	"github.com/ManuGH/streamgate/internal/metrics"
	"github.com/ManuGH/streamgate/internal/procgroup"
	"github.com/ManuGH/streamgate/internal/publish"
	"github.com/ManuGH/streamgate/internal/stream"
)

var (
	startTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_ffmpeg_start_total",
		Help: "Total number of ffmpeg process starts",
	}, []string{"result"})

	exitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_ffmpeg_exit_total",
		Help: "Total number of ffmpeg process exits",
	}, []string{"reason"})
)

const stderrRingSize = 256

// FFmpeg spawns supervised ffmpeg processes. It implements stream.Spawner.
type FFmpeg struct {
	BinPath        string
	SegmentSeconds int
	PlaylistWindow int
	DeleteSegments bool
}

// New returns an FFmpeg spawner. An empty binPath means "ffmpeg" on PATH.
func New(binPath string, segmentSeconds, playlistWindow int, deleteSegments bool) *FFmpeg {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	return &FFmpeg{
		BinPath:        binPath,
		SegmentSeconds: segmentSeconds,
		PlaylistWindow: playlistWindow,
		DeleteSegments: deleteSegments,
	}
}

// Spawn builds the transcoder invocation for a session and starts it.
// The process writes its manifest to the .tmp path inside outDir; the
// publisher promotes it. The returned handle owns the process exclusively.
func (f *FFmpeg) Spawn(ctx context.Context, key, source, outDir string) (stream.Process, error) {
	args, err := BuildHLSArgs(
		InputSpec{SourceURL: source},
		OutputSpec{
			Playlist:        filepath.Join(outDir, publish.TmpPlaylistName),
			SegmentFilename: SegmentPattern(outDir),
			SegmentDuration: f.SegmentSeconds,
			PlaylistWindow:  f.PlaylistWindow,
			DeleteSegments:  f.DeleteSegments,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrSpawnFailed, err)
	}
	return spawnProcess(ctx, key, f.BinPath, args)
}

// spawnProcess starts bin with args under process-group supervision.
func spawnProcess(ctx context.Context, key, bin string, args []string) (*Proc, error) {
	logger := xglog.WithComponentFromContext(ctx, "transcoder")

	cmd := exec.Command(bin, args...) // #nosec G204 -- argv built from validated key and config
	procgroup.Set(cmd)

	p := &Proc{
		cmd:  cmd,
		ring: NewLineRing(stderrRingSize),
		done: make(chan struct{}),
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: capture stderr: %v", stream.ErrSpawnFailed, err)
	}

	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			_, _ = p.ring.Write(scanner.Bytes())
			_, _ = p.ring.Write([]byte("\n"))
		}
	}()

	p.started = time.Now()
	logger.Info().Str(xglog.FieldStreamKey, key).Str("command", cmd.String()).Msg("starting ffmpeg process")

	if err := cmd.Start(); err != nil {
		startTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", stream.ErrSpawnFailed, err)
	}
	startTotal.WithLabelValues("ok").Inc()

	// Exit watch: reaps the process and finalizes the status exactly once.
	go func() {
		waitErr := cmd.Wait()
		ioWg.Wait()
		p.finish(waitErr)
	}()

	return p, nil
}

// Proc is a handle to one running (or exited) transcoder process.
type Proc struct {
	cmd     *exec.Cmd
	ring    *LineRing
	started time.Time

	stopRequested atomic.Bool
	killed        atomic.Bool

	mu     sync.Mutex
	status stream.ExitStatus
	done   chan struct{}
}

// Done is closed once the process has been reaped.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Status returns the final exit status. Valid only after Done is closed.
func (p *Proc) Status() stream.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// StderrTail returns up to n recent stderr lines.
func (p *Proc) StderrTail(n int) []string {
	return p.ring.LastN(n)
}

func (p *Proc) finish(waitErr error) {
	code := 0
	if waitErr != nil {
		code = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	reason := stream.ExitClean
	switch {
	case p.killed.Load():
		reason = stream.ExitKilled
	case p.stopRequested.Load():
		// Caller-initiated stop: the SIGTERM exit code is not a crash.
		reason = stream.ExitClean
	case code != 0:
		reason = stream.ExitCrash
	}

	p.mu.Lock()
	p.status = stream.ExitStatus{
		Code:      code,
		Reason:    reason,
		StartedAt: p.started,
		EndedAt:   time.Now(),
	}
	p.mu.Unlock()

	if code != 0 && reason == stream.ExitCrash {
		logger := xglog.WithComponent("transcoder")
		logger.Error().
			Int("exit_code", code).
			Strs("stderr", p.ring.LastN(20)).
			Msg("ffmpeg process crashed")
	}

	exitTotal.WithLabelValues(reason).Inc()
	close(p.done)
}

// Terminate requests graceful shutdown of the process group and escalates
// to SIGKILL after grace. It is idempotent: terminating an already-exited
// process is a no-op.
func (p *Proc) Terminate(ctx context.Context, grace time.Duration) error {
	p.stopRequested.Store(true)

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := procgroup.Kill(p.cmd, syscall.SIGTERM); err == nil {
		metrics.IncProcTerminate("SIGTERM", "sent")
	} else {
		metrics.IncProcTerminate("SIGTERM", "error")
	}

	if grace <= 0 {
		grace = 5 * time.Second
	}

	select {
	case <-p.done:
		metrics.IncProcWait("exit_after_term")
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
		// Caller gave up waiting; escalate now rather than leak.
	}

	p.killed.Store(true)
	if err := procgroup.Kill(p.cmd, syscall.SIGKILL); err == nil {
		metrics.IncProcTerminate("SIGKILL", "sent")
	} else {
		metrics.IncProcTerminate("SIGKILL", "error")
	}

	select {
	case <-p.done:
		metrics.IncProcWait("exit_after_kill")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
