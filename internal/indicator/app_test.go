package indicator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/outputctl/internal/audio"
	"github.com/mil-ad/outputctl/internal/daemon"
	"github.com/mil-ad/outputctl/internal/ipc"
)

var testDevice = audio.Device{ID: "sim0", Name: "Sim Device"}

func testChannel(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		return "outputctl-test-" + xid.New().String()
	}
	dir, err := os.MkdirTemp("", "oc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "rpc.sock")
}

// inProcessLauncher "spawns" the server inside the test process.
type inProcessLauncher struct {
	t       *testing.T
	channel string
	sim     *audio.Sim
	quiet   bool // server pushes no events

	mu        sync.Mutex
	svc       *daemon.Service
	srv       *ipc.Server
	starts    int
	shutdowns int
	failWith  error
}

func (l *inProcessLauncher) EnsureRunning(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return l.failWith
	}
	if l.srv != nil {
		return nil
	}
	l.svc = daemon.NewService(l.sim, daemon.Options{})
	l.svc.Start()
	var events ipc.Notifier = l.svc
	if l.quiet {
		events = nil
	}
	l.srv = ipc.NewServer(l.svc, events, ipc.ServerOptions{})
	if err := l.srv.Start(l.channel); err != nil {
		return err
	}
	l.starts++
	return nil
}

func (l *inProcessLauncher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdowns++
	l.stopLocked(ctx)
	return nil
}

func (l *inProcessLauncher) kill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked(context.Background())
}

func (l *inProcessLauncher) stopLocked(ctx context.Context) {
	if l.srv == nil {
		return
	}
	l.srv.Stop(ctx)
	l.svc.Stop()
	l.srv, l.svc = nil, nil
}

func newScenario(t *testing.T, sim *audio.Sim, poll time.Duration) (*App, *inProcessLauncher, *recorder) {
	t.Helper()
	l := &inProcessLauncher{t: t, channel: testChannel(t), sim: sim}
	t.Cleanup(l.kill)
	rec := &recorder{}
	remote := ipc.NewProxy(ipc.NewClient(l.channel, ipc.ClientOptions{CallTimeout: 500 * time.Millisecond}))
	app := NewApp(l, remote, rec, AppOptions{PollInterval: poll, StopOnExit: true})
	t.Cleanup(func() { app.Dispose(context.Background()) })
	return app, l, rec
}

func TestAppLifecycle(t *testing.T) {
	ctx := context.Background()
	sim := audio.NewSim(testDevice)
	app, l, rec := newScenario(t, sim, time.Hour)

	assert.Equal(t, Uninitialized, app.State())
	require.NoError(t, app.Start(ctx))
	assert.Equal(t, Ready, app.State())
	assert.Equal(t, []audio.OutputMode{audio.Speakers}, rec.snapshot())

	// Toggle twice.
	require.NoError(t, app.Toggle(ctx))
	mode, err := sim.OutputMode(ctx, testDevice)
	require.NoError(t, err)
	assert.Equal(t, audio.Headphones, mode)
	require.NoError(t, app.Toggle(ctx))
	assert.Eventually(t, func() bool {
		shown := rec.snapshot()
		return shown[len(shown)-1] == audio.Speakers
	}, time.Second, 10*time.Millisecond)

	// A hardware switch reaches the indicator through the pushed event; the
	// poll interval is far too long to be what picked it up.
	sim.Switch(testDevice, audio.Headphones)
	assert.Eventually(t, func() bool {
		last, _ := app.loop.Last()
		return last == audio.Headphones
	}, 2*time.Second, 10*time.Millisecond)

	// Server goes away: the next call degrades the App.
	l.kill()
	require.Error(t, app.Refresh(ctx))
	assert.Equal(t, Degraded, app.State())

	// Server comes back: the same App recovers without a new Start.
	require.NoError(t, l.EnsureRunning(ctx))
	assert.Eventually(t, func() bool {
		return app.Refresh(ctx) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, Ready, app.State())

	require.NoError(t, app.Dispose(ctx))
	assert.Equal(t, Disposed, app.State())
	assert.Equal(t, 1, l.shutdowns)
	assert.ErrorIs(t, app.Start(ctx), ErrDisposed)
	require.NoError(t, app.Dispose(ctx))
	assert.Equal(t, 1, l.shutdowns)
}

func TestAppStartFailureCanRetry(t *testing.T) {
	ctx := context.Background()
	app, l, rec := newScenario(t, audio.NewSim(testDevice), time.Hour)

	var states []State
	var mu sync.Mutex
	app.opts.OnState = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	l.failWith = errors.New("server executable not found")
	require.Error(t, app.Start(ctx))
	assert.Equal(t, Uninitialized, app.State())
	assert.Empty(t, rec.snapshot())

	l.failWith = nil
	require.NoError(t, app.Start(ctx))
	assert.Equal(t, Ready, app.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Connecting, Uninitialized, Connecting, Ready}, states)
}

func TestAppDeviceUnavailableIsNotDegraded(t *testing.T) {
	ctx := context.Background()
	app, _, rec := newScenario(t, audio.NewSim(), time.Hour)

	require.NoError(t, app.Start(ctx))
	assert.Equal(t, Ready, app.State())
	assert.Empty(t, rec.snapshot())

	err := app.Toggle(ctx)
	assert.ErrorIs(t, err, audio.ErrDeviceUnavailable)
	assert.Equal(t, Ready, app.State())
}

func TestPollingRecoversDroppedEvents(t *testing.T) {
	ctx := context.Background()
	sim := audio.NewSim(testDevice)
	app, l, rec := newScenario(t, sim, 20*time.Millisecond)
	l.quiet = true

	require.NoError(t, app.Start(ctx))
	sim.Switch(testDevice, audio.Headphones)

	assert.Eventually(t, func() bool {
		shown := rec.snapshot()
		return len(shown) == 2 && shown[1] == audio.Headphones
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisposeWithoutStopOnExit(t *testing.T) {
	ctx := context.Background()
	l := &inProcessLauncher{t: t, channel: testChannel(t), sim: audio.NewSim(testDevice)}
	t.Cleanup(l.kill)
	remote := ipc.NewProxy(ipc.NewClient(l.channel, ipc.ClientOptions{}))
	app := NewApp(l, remote, &recorder{}, AppOptions{})

	require.NoError(t, app.Start(ctx))
	require.NoError(t, app.Dispose(ctx))
	assert.Zero(t, l.shutdowns)
}
