// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/streamgate/internal/archive"
	xglog "github.com/ManuGH/streamgate/internal/log"
	"github.com/ManuGH/streamgate/internal/metrics"
	"github.com/ManuGH/streamgate/internal/publish"
)

// ManagerConfig carries the manager's timing and retention policy.
type ManagerConfig struct {
	// ReadyTimeout bounds the wait for the first readable playlist.
	ReadyTimeout time.Duration
	// StopGrace is how long a terminating process gets before SIGKILL.
	StopGrace time.Duration
	// RetainOnStop keeps a cleanly stopped session's output on disk so it
	// can still be archived. Crashed sessions always retain output.
	RetainOnStop bool
}

// Manager composes the registry, process supervisor, playlist publisher and
// archiver into the public session lifecycle operations.
//
// Operations on the same key are serialized through a per-key mutex;
// operations on distinct keys proceed independently. The registry itself is
// never held across I/O.
type Manager struct {
	registry  *Registry
	spawner   Spawner
	publisher *publish.Publisher
	archiver  *archive.Archiver
	cfg       ManagerConfig
	logger    zerolog.Logger

	locks sync.Map // key -> *sync.Mutex
	procs sync.Map // key -> Process, present only while supervised
	wg    sync.WaitGroup
}

// NewManager wires the lifecycle components together.
func NewManager(spawner Spawner, publisher *publish.Publisher, archiver *archive.Archiver, cfg ManagerConfig) *Manager {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Manager{
		registry:  NewRegistry(),
		spawner:   spawner,
		publisher: publisher,
		archiver:  archiver,
		cfg:       cfg,
		logger:    xglog.WithComponent("stream"),
	}
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Start claims the key, spawns the transcoder and waits (bounded) for the
// first readable playlist. Any failure after the claim triggers full
// compensating cleanup before the error is returned: callers never need to
// clean up a failed start.
func (m *Manager) Start(ctx context.Context, key, source string) (Session, error) {
	if err := ValidateKey(key); err != nil {
		metrics.SessionStarts.WithLabelValues("invalid_key").Inc()
		return Session{}, err
	}
	if source == "" {
		return Session{}, fmt.Errorf("%w: empty source", ErrInvalidKey)
	}

	lk := m.keyLock(key)
	lk.Lock()
	defer lk.Unlock()

	if _, err := m.registry.TryClaim(key, source); err != nil {
		metrics.SessionStarts.WithLabelValues("already_active").Inc()
		return Session{}, err
	}

	dir, err := m.publisher.Prepare(key)
	if err != nil {
		metrics.SessionStarts.WithLabelValues("prepare_failed").Inc()
		// Nothing was prepared; retiring here could tear down output the
		// conflicting holder (an in-flight archive lease) still reads.
		return Session{}, m.failStart(key, nil, false, err)
	}
	m.registry.SetPublishDir(key, dir)

	proc, err := m.spawner.Spawn(ctx, key, source, dir)
	if err != nil {
		metrics.SessionStarts.WithLabelValues("spawn_failed").Inc()
		return Session{}, m.failStart(key, nil, true, err)
	}
	m.procs.Store(key, proc)
	m.wg.Add(1)
	go m.watchExit(key, proc)

	m.publisher.BeginPublish(key)

	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()
	readyCh := make(chan error, 1)
	go func() { readyCh <- m.publisher.WaitReady(readyCtx, key) }()

	select {
	case err := <-readyCh:
		if err != nil {
			cause := err
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				cause = fmt.Errorf("%w: %s", ErrStartupTimeout, key)
				metrics.SessionStarts.WithLabelValues("startup_timeout").Inc()
			} else {
				metrics.SessionStarts.WithLabelValues("cancelled").Inc()
			}
			return Session{}, m.failStart(key, proc, true, cause)
		}
	case <-proc.Done():
		st := proc.Status()
		metrics.SessionStarts.WithLabelValues("died_during_startup").Inc()
		cause := fmt.Errorf("%w: transcoder exited during startup (code %d)", ErrSpawnFailed, st.Code)
		return Session{}, m.failStart(key, proc, true, cause)
	}

	if err := m.registry.Transition(key, StateStarting, StateLive); err != nil {
		return Session{}, m.failStart(key, proc, true, err)
	}

	metrics.SessionStarts.WithLabelValues("ok").Inc()
	sess, _ := m.registry.Get(key)
	m.logger.Info().
		Str(xglog.FieldStreamKey, key).
		Str(xglog.FieldPublishDir, dir).
		Str(xglog.FieldEvent, "session_live").
		Str(xglog.FieldOldState, string(StateStarting)).
		Str(xglog.FieldNewState, string(StateLive)).
		Msg("stream is live")
	return sess, nil
}

// failStart is the compensating cleanup for a claimed-but-failed start:
// terminate any spawned process, retire the prepared output (when this
// start owned one), mark the session failed and release the key. It
// returns cause so callers can `return m.failStart(...)`.
func (m *Manager) failStart(key string, proc Process, prepared bool, cause error) error {
	if proc != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), m.cfg.StopGrace+5*time.Second)
		defer tcancel()
		if err := proc.Terminate(tctx, m.cfg.StopGrace); err != nil {
			m.logger.Warn().Err(err).Str(xglog.FieldStreamKey, key).Msg("terminate after failed start")
		}
		m.procs.Delete(key)
	}

	if prepared {
		if err := m.publisher.Retire(key, publish.RetireDelete); err != nil {
			m.logger.Warn().Err(err).Str(xglog.FieldStreamKey, key).Msg("retire after failed start")
		}
	}

	if err := m.registry.Transition(key, StateStarting, StateFailed); err != nil {
		m.logger.Debug().Err(err).Str(xglog.FieldStreamKey, key).Msg("failed-start transition already settled")
	}
	m.registry.SetLastError(key, cause.Error())
	if err := m.registry.Release(key); err != nil {
		m.logger.Warn().Err(err).Str(xglog.FieldStreamKey, key).Msg("release after failed start")
	}

	m.logger.Error().Err(cause).Str(xglog.FieldStreamKey, key).Msg("start failed, cleaned up")
	return cause
}

// watchExit delivers the supervisor's exit notification for one process.
// An uninitiated death moves the session to FAILED; a death that a Stop or
// a failed Start already accounted for is ignored (first writer wins).
func (m *Manager) watchExit(key string, proc Process) {
	defer m.wg.Done()
	<-proc.Done()
	st := proc.Status()

	lk := m.keyLock(key)
	lk.Lock()
	defer lk.Unlock()

	// Stop and failStart remove the handle while holding the key lock; if
	// it is gone, the exit was initiated and already finalized.
	if _, ok := m.procs.Load(key); !ok {
		return
	}
	m.procs.Delete(key)

	prev := StateLive
	if err := m.registry.Transition(key, StateLive, StateFailed); err != nil {
		prev = StateStarting
		if err2 := m.registry.Transition(key, StateStarting, StateFailed); err2 != nil {
			// Lost race against a concurrent terminal transition: swallow.
			m.logger.Debug().Err(err).Str(xglog.FieldStreamKey, key).Msg("exit notification lost transition race")
			return
		}
	}
	msg := fmt.Sprintf("transcoder exited: %s (code %d)", st.Reason, st.Code)
	if tail := proc.StderrTail(3); len(tail) > 0 {
		msg += "; stderr: " + strings.Join(tail, " | ")
	}
	m.registry.SetLastError(key, msg)
	metrics.SessionEnds.WithLabelValues(st.Reason).Inc()

	// Output is kept for forensics and partial archiving; the FAILED record
	// stays observable until the key is started again.
	m.logger.Error().
		Str(xglog.FieldStreamKey, key).
		Str(xglog.FieldEvent, "transcoder_exit").
		Str(xglog.FieldOldState, string(prev)).
		Str(xglog.FieldNewState, string(StateFailed)).
		Int("exit_code", st.Code).
		Str("reason", st.Reason).
		Strs("stderr", proc.StderrTail(10)).
		Msg("transcoder died, session failed")
}

// Stop terminates an active session: STOPPING, graceful process shutdown,
// STOPPED, retire output per policy, release the key. Idempotent at the
// process level; stopping a non-active key is ErrNotActive.
func (m *Manager) Stop(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	lk := m.keyLock(key)
	lk.Lock()
	defer lk.Unlock()

	if err := m.registry.Transition(key, StateLive, StateStopping); err != nil {
		if err2 := m.registry.Transition(key, StateStarting, StateStopping); err2 != nil {
			return fmt.Errorf("%w: %s", ErrNotActive, key)
		}
	}

	if v, ok := m.procs.Load(key); ok {
		proc := v.(Process)
		if err := proc.Terminate(ctx, m.cfg.StopGrace); err != nil {
			m.logger.Warn().Err(err).Str(xglog.FieldStreamKey, key).Msg("terminate returned early")
		}
		m.procs.Delete(key)
	}

	if err := m.registry.Transition(key, StateStopping, StateStopped); err != nil {
		m.logger.Debug().Err(err).Str(xglog.FieldStreamKey, key).Msg("stop transition already settled")
	}

	mode := publish.RetireDelete
	if m.cfg.RetainOnStop {
		mode = publish.RetireKeep
	}
	if err := m.publisher.Retire(key, mode); err != nil {
		m.logger.Warn().Err(err).Str(xglog.FieldStreamKey, key).Msg("retire on stop")
	}

	if err := m.registry.Release(key); err != nil {
		m.logger.Warn().Err(err).Str(xglog.FieldStreamKey, key).Msg("release on stop")
	}

	metrics.SessionEnds.WithLabelValues("stopped").Inc()
	m.logger.Info().
		Str(xglog.FieldStreamKey, key).
		Str(xglog.FieldEvent, "session_stopped").
		Str(xglog.FieldOldState, string(StateStopping)).
		Str(xglog.FieldNewState, string(StateStopped)).
		Msg("stream stopped")
	return nil
}

// Save archives the key's current published output. Valid for live sessions
// and for stopped/failed sessions whose output was retained; session state
// is never changed.
func (m *Manager) Save(ctx context.Context, key string) (archive.Entry, error) {
	if err := ValidateKey(key); err != nil {
		return archive.Entry{}, err
	}
	return m.archiver.Archive(ctx, key)
}

// Get returns a snapshot of the session for key.
func (m *Manager) Get(key string) (Session, error) {
	if err := ValidateKey(key); err != nil {
		return Session{}, err
	}
	return m.registry.Get(key)
}

// List returns a snapshot of all tracked sessions.
func (m *Manager) List() []Session {
	return m.registry.List()
}

// Archives lists all archive entries.
func (m *Manager) Archives(ctx context.Context) ([]archive.Entry, error) {
	return m.archiver.List(ctx)
}

// Playlist returns the published manifest bytes for key.
func (m *Manager) Playlist(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return m.publisher.ReadPlaylist(key)
}

// SegmentPath resolves a live segment file for serving, traversal-confined.
func (m *Manager) SegmentPath(key, name string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return m.publisher.SegmentPath(key, name)
}

// Shutdown stops every non-terminal session and waits for all exit watchers.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.registry.List() {
		if !s.State.IsTerminal() {
			if err := m.Stop(ctx, s.Key); err != nil {
				m.logger.Warn().Err(err).Str(xglog.FieldStreamKey, s.Key).Msg("stop during shutdown")
			}
		}
	}
	m.wg.Wait()
}
