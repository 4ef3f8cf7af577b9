package indicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/mil-ad/outputctl/internal/audio"
	"github.com/mil-ad/outputctl/internal/ipc"
)

// ErrDisposed is returned by Start after Dispose.
var ErrDisposed = errors.New("indicator disposed")

// State is the client lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Connecting
	Ready
	Degraded
	Disposed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Disposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Launcher brings the server up and down.
type Launcher interface {
	EnsureRunning(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Remote is the client's view of the control service.
type Remote interface {
	ModeSource
	SetOutputMode(ctx context.Context, mode audio.OutputMode) error
	Events() <-chan audio.OutputModeChanged
	Close() error
}

type AppOptions struct {
	PollInterval time.Duration
	// StopOnExit terminates the server on Dispose.
	StopOnExit bool
	Logger     pslog.Logger
	// OnState, if set, is called after every state transition.
	OnState func(State)
}

// App ties a Remote, a Launcher and an Indicator together.
type App struct {
	launcher Launcher
	remote   Remote
	opts     AppOptions
	logger   pslog.Logger
	loop     *SyncLoop

	mu    sync.Mutex
	state State

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

func NewApp(launcher Launcher, remote Remote, sink Indicator, opts AppOptions) *App {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	a := &App{
		launcher: launcher,
		remote:   remote,
		opts:     opts,
		logger:   opts.Logger,
	}
	a.loop = NewSyncLoop(a, sink, opts.PollInterval, opts.Logger)
	return a
}

func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start makes sure the server runs and begins syncing. A failed start leaves
// the App uninitialized so Start can be called again.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case Disposed:
		a.mu.Unlock()
		return ErrDisposed
	case Uninitialized:
		a.state = Connecting
	default:
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	a.notify(Connecting)

	if err := a.launcher.EnsureRunning(ctx); err != nil {
		a.logger.Error("indicator.start.failed", "error", err)
		a.transition(Connecting, Uninitialized)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if a.state == Disposed {
		a.mu.Unlock()
		cancel()
		return ErrDisposed
	}
	done := make(chan struct{})
	a.pumpCancel, a.pumpDone = cancel, done
	a.mu.Unlock()

	go a.pump(pumpCtx, done)
	a.loop.Start(pumpCtx)
	a.loop.Tick(ctx)
	return nil
}

// Dispose stops syncing, closes the connection and, with StopOnExit,
// terminates the server.
func (a *App) Dispose(ctx context.Context) error {
	a.mu.Lock()
	if a.state == Disposed {
		a.mu.Unlock()
		return nil
	}
	a.state = Disposed
	cancel, done := a.pumpCancel, a.pumpDone
	a.pumpCancel, a.pumpDone = nil, nil
	a.mu.Unlock()
	a.notify(Disposed)

	if cancel != nil {
		cancel()
		<-done
	}
	a.loop.Stop()

	var errs []error
	if err := a.remote.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	if a.opts.StopOnExit {
		if err := a.launcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// CurrentOutputMode reads the route from the server.
func (a *App) CurrentOutputMode(ctx context.Context) (audio.OutputMode, error) {
	mode, err := a.remote.CurrentOutputMode(ctx)
	a.track(err)
	return mode, err
}

// SetOutputMode switches the route and refreshes the indicator.
func (a *App) SetOutputMode(ctx context.Context, mode audio.OutputMode) error {
	err := a.remote.SetOutputMode(ctx, mode)
	a.track(err)
	if err != nil {
		return err
	}
	a.loop.Tick(ctx)
	return nil
}

// Toggle switches to the route opposite the current one.
func (a *App) Toggle(ctx context.Context) error {
	mode, err := a.CurrentOutputMode(ctx)
	if err != nil {
		return err
	}
	return a.SetOutputMode(ctx, mode.Opposite())
}

// Refresh forces an immediate tick.
func (a *App) Refresh(ctx context.Context) error {
	return a.loop.Tick(ctx)
}

// pump turns every pushed event into a refresh through the loop.
func (a *App) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := a.remote.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.logger.Debug("indicator.event", "mode", ev.Mode.String())
			a.loop.Tick(ctx)
		}
	}
}

// track moves between Ready and Degraded from a call result. A remote error
// still proves the channel works.
func (a *App) track(err error) {
	switch {
	case err == nil:
		a.transition(Degraded, Ready)
		a.transition(Connecting, Ready)
	case errors.Is(err, ipc.ErrServiceUnavailable):
		if a.transition(Ready, Degraded) || a.transition(Connecting, Degraded) {
			a.logger.Warn("indicator.degraded", "error", err)
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		a.transition(Degraded, Ready)
		a.transition(Connecting, Ready)
	}
}

// transition moves from -> to if the App is in from.
func (a *App) transition(from, to State) bool {
	a.mu.Lock()
	if a.state != from {
		a.mu.Unlock()
		return false
	}
	a.state = to
	a.mu.Unlock()
	a.notify(to)
	return true
}

func (a *App) notify(s State) {
	a.logger.Debug("indicator.state", "state", s.String())
	if a.opts.OnState != nil {
		a.opts.OnState(s)
	}
}
