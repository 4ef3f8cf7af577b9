package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEnv stands in for the process table and the channel.
type fakeEnv struct {
	mu         sync.Mutex
	procs      []serverProc
	spawned    []string
	spawnEnv   []string
	terminated []int32
	spawnErr   error
	up         atomic.Bool
	upOnSpawn  bool
}

func newTestManager(t *testing.T, env *fakeEnv, dir string) *Manager {
	t.Helper()
	m := New(Options{
		Channel:    filepath.Join(dir, "rpc.sock"),
		ServerPath: "outputctld",
		Handshake:  200 * time.Millisecond,
	})
	m.executable = func() (string, error) { return filepath.Join(dir, "outputctl"), nil }
	m.listProcs = func(ctx context.Context) ([]serverProc, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		return append([]serverProc(nil), env.procs...), nil
	}
	m.start = func(path string, spawnEnv []string) (int, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		if env.spawnErr != nil {
			return 0, env.spawnErr
		}
		env.spawned = append(env.spawned, path)
		env.spawnEnv = spawnEnv
		if env.upOnSpawn {
			env.up.Store(true)
		}
		return 4242, nil
	}
	m.probe = func(ctx context.Context) bool { return env.up.Load() }
	return m
}

func (env *fakeEnv) proc(pid int32, name string) serverProc {
	return serverProc{pid: pid, name: name, terminate: func(ctx context.Context) error {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.terminated = append(env.terminated, pid)
		return nil
	}}
}

func serverBinary(t *testing.T, dir string) string {
	t.Helper()
	name := "outputctld"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestEnsureRunningReachable(t *testing.T) {
	env := &fakeEnv{}
	env.up.Store(true)
	m := newTestManager(t, env, t.TempDir())

	require.NoError(t, m.EnsureRunning(context.Background()))
	assert.Empty(t, env.spawned)
}

func TestEnsureRunningProcessAlive(t *testing.T) {
	env := &fakeEnv{}
	env.procs = []serverProc{env.proc(77, "outputctld")}
	m := newTestManager(t, env, t.TempDir())

	require.NoError(t, m.EnsureRunning(context.Background()))
	assert.Empty(t, env.spawned)
}

func TestEnsureRunningMissingExecutable(t *testing.T) {
	env := &fakeEnv{}
	m := newTestManager(t, env, t.TempDir())

	err := m.EnsureRunning(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerMissing)

	var startup *StartupError
	require.True(t, errors.As(err, &startup))
	assert.Equal(t, "locate", startup.Op)
	assert.Empty(t, env.spawned)
}

func TestEnsureRunningSpawns(t *testing.T) {
	dir := t.TempDir()
	path := serverBinary(t, dir)
	env := &fakeEnv{upOnSpawn: true}
	m := newTestManager(t, env, dir)

	require.NoError(t, m.EnsureRunning(context.Background()))
	assert.Equal(t, []string{path}, env.spawned)
}

func TestEnsureRunningPassesServerEnv(t *testing.T) {
	dir := t.TempDir()
	serverBinary(t, dir)
	env := &fakeEnv{upOnSpawn: true}
	m := newTestManager(t, env, dir)
	m.opts.Env = []string{"OUTPUTCTL_CHANNEL=custom", "OUTPUTCTL_LOG_LEVEL=debug"}

	require.NoError(t, m.EnsureRunning(context.Background()))
	assert.Equal(t, []string{"OUTPUTCTL_CHANNEL=custom", "OUTPUTCTL_LOG_LEVEL=debug"}, env.spawnEnv)
}

func TestEnsureRunningSpawnFailure(t *testing.T) {
	dir := t.TempDir()
	serverBinary(t, dir)
	env := &fakeEnv{spawnErr: errors.New("exec format error")}
	m := newTestManager(t, env, dir)

	err := m.EnsureRunning(context.Background())
	var startup *StartupError
	require.True(t, errors.As(err, &startup))
	assert.Equal(t, "spawn", startup.Op)
	assert.False(t, errors.Is(err, ErrServerMissing))
}

func TestHandshakeTimeoutIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	serverBinary(t, dir)
	env := &fakeEnv{}
	m := newTestManager(t, env, dir)

	start := time.Now()
	require.NoError(t, m.EnsureRunning(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Len(t, env.spawned, 1)
}

func TestHandshakeSeesLateStart(t *testing.T) {
	dir := t.TempDir()
	serverBinary(t, dir)
	env := &fakeEnv{}
	m := newTestManager(t, env, dir)
	m.opts.Handshake = 5 * time.Second

	go func() {
		time.Sleep(100 * time.Millisecond)
		env.up.Store(true)
		// Touch the socket path so the watcher fires.
		os.WriteFile(filepath.Join(dir, "rpc.sock"), nil, 0o600)
	}()

	start := time.Now()
	require.NoError(t, m.EnsureRunning(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestShutdownSweepsByName(t *testing.T) {
	env := &fakeEnv{}
	self := int32(os.Getpid())
	env.procs = []serverProc{
		env.proc(10, "outputctld"),
		env.proc(11, "OUTPUTCTLD.exe"),
		env.proc(12, "bash"),
		env.proc(self, "outputctld"),
	}
	m := newTestManager(t, env, t.TempDir())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.ElementsMatch(t, []int32{10, 11}, env.terminated)
}

func TestShutdownReportsFailures(t *testing.T) {
	env := &fakeEnv{}
	env.procs = []serverProc{
		{pid: 20, name: "outputctld", terminate: func(ctx context.Context) error { return os.ErrPermission }},
		env.proc(21, "outputctld"),
	}
	m := newTestManager(t, env, t.TempDir())

	err := m.Shutdown(context.Background())
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, []int32{21}, env.terminated)
}

func TestProcessNameDefaultsFromPath(t *testing.T) {
	m := New(Options{ServerPath: "/opt/outputctl/outputctld.exe"})
	assert.Equal(t, "outputctld", m.opts.ProcessName)
}

func TestListProcessesIncludesSelf(t *testing.T) {
	procs, err := listProcesses(context.Background())
	require.NoError(t, err)
	self := int32(os.Getpid())
	found := false
	for _, p := range procs {
		if p.pid == self {
			found = true
		}
	}
	assert.True(t, found)
}
