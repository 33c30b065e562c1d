// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/streamgate/internal/archive"
	"github.com/ManuGH/streamgate/internal/publish"
)

// fakeProc implements Process without a real child process.
type fakeProc struct {
	mu     sync.Mutex
	done   chan struct{}
	status ExitStatus
	stderr []string
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan struct{}), stderr: []string{"fake stderr line"}}
}

func (p *fakeProc) exit(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.status = ExitStatus{Code: code, Reason: reason, StartedAt: time.Now(), EndedAt: time.Now()}
	close(p.done)
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Status() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProc) Terminate(_ context.Context, _ time.Duration) error {
	p.exit(0, ExitClean)
	return nil
}

func (p *fakeProc) StderrTail(int) []string { return p.stderr }

// fakeSpawner mimics the transcoder: on Spawn it drops segments plus a .tmp
// playlist into the output dir, as ffmpeg's HLS muxer would.
type fakeSpawner struct {
	mu         sync.Mutex
	spawnErr   error
	silent     bool // spawn a process that never produces output
	dieOnSpawn bool // process crashes immediately after spawn
	procs      map[string]*fakeProc
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{procs: make(map[string]*fakeProc)}
}

func (f *fakeSpawner) Spawn(_ context.Context, key, _, outDir string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	p := newFakeProc()
	f.procs[key] = p
	if f.dieOnSpawn {
		p.exit(1, ExitCrash)
		return p, nil
	}
	if !f.silent {
		if err := writeFakeOutput(outDir); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (f *fakeSpawner) proc(key string) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[key]
}

func writeFakeOutput(dir string) error {
	for _, seg := range []string{"seg_000000.ts", "seg_000001.ts"} {
		if err := os.WriteFile(filepath.Join(dir, seg), []byte("tsdata"), 0o644); err != nil {
			return err
		}
	}
	manifest := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXTINF:2.0,\nseg_000000.ts\n#EXTINF:2.0,\nseg_000001.ts\n"
	return os.WriteFile(filepath.Join(dir, publish.TmpPlaylistName), []byte(manifest), 0o644)
}

type managerFixture struct {
	mgr     *Manager
	spawner *fakeSpawner
	pub     *publish.Publisher
	store   *archive.Store
}

func newManagerFixture(t *testing.T, cfg ManagerConfig) *managerFixture {
	t.Helper()
	root := t.TempDir()

	pub, err := publish.New(filepath.Join(root, "live"))
	require.NoError(t, err)

	store, err := archive.NewStore(filepath.Join(root, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	arch, err := archive.New(filepath.Join(root, "archive"), pub, store)
	require.NoError(t, err)

	sp := newFakeSpawner()
	return &managerFixture{
		mgr:     NewManager(sp, pub, arch, cfg),
		spawner: sp,
		pub:     pub,
		store:   store,
	}
}

func defaultTestConfig() ManagerConfig {
	return ManagerConfig{
		ReadyTimeout: 5 * time.Second,
		StopGrace:    100 * time.Millisecond,
		RetainOnStop: true,
	}
}

func TestManager_StartStopLifecycle(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	fx := newManagerFixture(t, defaultTestConfig())
	ctx := context.Background()

	sess, err := fx.mgr.Start(ctx, "cam1", "rtmp://localhost/live/cam1")
	require.NoError(t, err)
	assert.Equal(t, StateLive, sess.State)

	got, err := fx.mgr.Get("cam1")
	require.NoError(t, err)
	assert.Equal(t, StateLive, got.State)

	data, err := fx.mgr.Playlist("cam1")
	require.NoError(t, err)
	assert.Contains(t, string(data), "#EXTM3U")

	path, err := fx.mgr.SegmentPath("cam1", "seg_000000.ts")
	require.NoError(t, err)
	assert.FileExists(t, path)

	list := fx.mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, "cam1", list[0].Key)

	require.NoError(t, fx.mgr.Stop(ctx, "cam1"))

	// Stopped sessions are released from the registry...
	_, err = fx.mgr.Get("cam1")
	require.ErrorIs(t, err, ErrNotFound)

	// ...but retained output stays readable under the default policy.
	data, err = fx.mgr.Playlist("cam1")
	require.NoError(t, err)
	assert.Contains(t, string(data), "seg_000001.ts")

	err = fx.mgr.Stop(ctx, "cam1")
	require.ErrorIs(t, err, ErrNotActive)

	fx.mgr.Shutdown(ctx)
}

func TestManager_StartRejectsInvalidInput(t *testing.T) {
	fx := newManagerFixture(t, defaultTestConfig())
	ctx := context.Background()

	_, err := fx.mgr.Start(ctx, "../escape", "rtmp://x")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = fx.mgr.Start(ctx, "cam1", "")
	require.Error(t, err)

	err = fx.mgr.Stop(ctx, "bad key")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestManager_StartAlreadyActive(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	fx := newManagerFixture(t, defaultTestConfig())
	ctx := context.Background()

	_, err := fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.NoError(t, err)

	_, err = fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.ErrorIs(t, err, ErrAlreadyActive)

	require.NoError(t, fx.mgr.Stop(ctx, "cam1"))
	fx.mgr.Shutdown(ctx)
}

func TestManager_ConcurrentStartSingleWinner(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	fx := newManagerFixture(t, defaultTestConfig())
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, ErrAlreadyActive)
		}
	}
	assert.Equal(t, 1, ok)

	require.NoError(t, fx.mgr.Stop(ctx, "cam1"))
	fx.mgr.Shutdown(ctx)
}

func TestManager_SpawnFailureCleansUp(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	fx := newManagerFixture(t, defaultTestConfig())
	fx.spawner.spawnErr = fmt.Errorf("%w: exec: not found", ErrSpawnFailed)
	ctx := context.Background()

	_, err := fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.ErrorIs(t, err, ErrSpawnFailed)

	// Failed starts leave nothing behind: no record, no output dir.
	_, err = fx.mgr.Get("cam1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, fx.pub.Dir("cam1"))

	// The key is immediately claimable again.
	fx.spawner.spawnErr = nil
	_, err = fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Stop(ctx, "cam1"))
	fx.mgr.Shutdown(ctx)
}

func TestManager_StartupTimeout(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	cfg := defaultTestConfig()
	cfg.ReadyTimeout = 300 * time.Millisecond
	fx := newManagerFixture(t, cfg)
	fx.spawner.silent = true
	ctx := context.Background()

	_, err := fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.ErrorIs(t, err, ErrStartupTimeout)

	_, err = fx.mgr.Get("cam1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, fx.pub.Dir("cam1"))

	// The spawned process was terminated during cleanup.
	p := fx.spawner.proc("cam1")
	require.NotNil(t, p)
	select {
	case <-p.Done():
	default:
		t.Fatal("process left running after startup timeout")
	}
	fx.mgr.Shutdown(ctx)
}

func TestManager_DiesDuringStartup(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	fx := newManagerFixture(t, defaultTestConfig())
	fx.spawner.dieOnSpawn = true
	ctx := context.Background()

	_, err := fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.ErrorIs(t, err, ErrSpawnFailed)

	_, err = fx.mgr.Get("cam1")
	require.ErrorIs(t, err, ErrNotFound)
	fx.mgr.Shutdown(ctx)
}

func TestManager_CrashMovesSessionToFailed(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	fx := newManagerFixture(t, defaultTestConfig())
	ctx := context.Background()

	_, err := fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.NoError(t, err)

	fx.spawner.proc("cam1").exit(1, ExitCrash)

	require.Eventually(t, func() bool {
		s, err := fx.mgr.Get("cam1")
		return err == nil && s.State == StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	s, err := fx.mgr.Get("cam1")
	require.NoError(t, err)
	assert.Contains(t, s.LastError, "crash")
	assert.False(t, s.EndedAt.IsZero())

	// Crash output is retained for forensics.
	_, err = fx.mgr.Playlist("cam1")
	require.NoError(t, err)

	// The FAILED record does not block a restart.
	_, err = fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Stop(ctx, "cam1"))
	fx.mgr.Shutdown(ctx)
}

func TestManager_StopCrashRaceSingleWinner(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	fx := newManagerFixture(t, defaultTestConfig())
	ctx := context.Background()

	// Race a caller Stop against the process crashing. Whoever wins the key
	// lock performs the single terminal transition; the loser is absorbed.
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("cam%d", i)
		_, err := fx.mgr.Start(ctx, key, "rtmp://x/live/"+key)
		require.NoError(t, err)
		proc := fx.spawner.proc(key)
		require.NotNil(t, proc)

		var wg sync.WaitGroup
		var stopErr error
		gate := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-gate
			stopErr = fx.mgr.Stop(ctx, key)
		}()
		go func() {
			defer wg.Done()
			<-gate
			proc.exit(1, ExitCrash)
		}()
		close(gate)
		wg.Wait()
		fx.mgr.Shutdown(ctx) // drain the exit watcher before asserting

		if stopErr != nil {
			// The crash settled the session first: it is FAILED, exactly
			// once, and the late Stop observed a non-active session.
			require.ErrorIs(t, stopErr, ErrNotActive)
			s, err := fx.mgr.Get(key)
			require.NoError(t, err)
			assert.Equal(t, StateFailed, s.State)
			assert.False(t, s.EndedAt.IsZero())
			assert.Contains(t, s.LastError, "crash")
		} else {
			// Stop won: the record was released and the exit notification
			// for the already-finalized process was discarded.
			_, err := fx.mgr.Get(key)
			require.ErrorIs(t, err, ErrNotFound)
		}
	}
}

func TestManager_StopWithoutRetentionDeletesOutput(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	cfg := defaultTestConfig()
	cfg.RetainOnStop = false
	fx := newManagerFixture(t, cfg)
	ctx := context.Background()

	_, err := fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Stop(ctx, "cam1"))

	assert.NoDirExists(t, fx.pub.Dir("cam1"))
	_, err = fx.mgr.Playlist("cam1")
	require.ErrorIs(t, err, publish.ErrNotFound)
	fx.mgr.Shutdown(ctx)
}

func TestManager_SaveLiveAndAfterStop(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	fx := newManagerFixture(t, defaultTestConfig())
	ctx := context.Background()

	_, err := fx.mgr.Start(ctx, "cam1", "rtmp://x/live/cam1")
	require.NoError(t, err)

	// Save while live.
	first, err := fx.mgr.Save(ctx, "cam1")
	require.NoError(t, err)
	assert.Equal(t, "cam1", first.Key)
	assert.FileExists(t, filepath.Join(first.Location, publish.PlaylistName))

	require.NoError(t, fx.mgr.Stop(ctx, "cam1"))

	// Save again from retained output: a new immutable entry.
	second, err := fx.mgr.Save(ctx, "cam1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Location, second.Location)

	entries, err := fx.mgr.Archives(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	fx.mgr.Shutdown(ctx)
}

func TestManager_SaveUnknownKey(t *testing.T) {
	fx := newManagerFixture(t, defaultTestConfig())

	_, err := fx.mgr.Save(context.Background(), "ghost")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestManager_Shutdown(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	fx := newManagerFixture(t, defaultTestConfig())
	ctx := context.Background()

	for _, key := range []string{"cam1", "cam2"} {
		_, err := fx.mgr.Start(ctx, key, "rtmp://x/live/"+key)
		require.NoError(t, err)
	}

	fx.mgr.Shutdown(ctx)

	for _, key := range []string{"cam1", "cam2"} {
		_, err := fx.mgr.Get(key)
		require.ErrorIs(t, err, ErrNotFound)
	}
}
