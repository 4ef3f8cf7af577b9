// Package launcher finds, starts and stops the outputctld process on behalf
// of a client.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"github.com/mil-ad/outputctl/internal/ipc"
)

// ErrServerMissing is wrapped by the StartupError returned when the server
// executable cannot be found.
var ErrServerMissing = errors.New("server executable not found")

const (
	defaultHandshake = 2 * time.Second
	handshakePoll    = 50 * time.Millisecond
)

// StartupError reports a failure to bring the server up. Op is "locate" or
// "spawn".
type StartupError struct {
	Op   string
	Path string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s server %s: %v", e.Op, e.Path, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

type Options struct {
	Channel string
	// ServerPath is resolved against the client executable's directory when
	// relative.
	ServerPath  string
	ProcessName string
	// Env is appended to the client's environment for a spawned server.
	Env       []string
	Handshake time.Duration
	Logger    pslog.Logger
}

type serverProc struct {
	pid       int32
	name      string
	terminate func(ctx context.Context) error
}

// Manager is the client-side process manager for the server.
type Manager struct {
	opts   Options
	logger pslog.Logger

	executable func() (string, error)
	listProcs  func(ctx context.Context) ([]serverProc, error)
	start      func(path string, env []string) (pid int, err error)
	probe      func(ctx context.Context) bool
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Handshake <= 0 {
		opts.Handshake = defaultHandshake
	}
	if opts.ProcessName == "" {
		opts.ProcessName = strings.TrimSuffix(filepath.Base(opts.ServerPath), ".exe")
	}
	m := &Manager{
		opts:       opts,
		logger:     opts.Logger,
		executable: os.Executable,
		listProcs:  listProcesses,
		start:      startDetached,
	}
	m.probe = func(ctx context.Context) bool {
		return ipc.Reachable(ctx, opts.Channel)
	}
	return m
}

// EnsureRunning makes sure a server is running, spawning one if needed. It
// returns a *StartupError when the server cannot be located or started. A
// slow handshake is not an error: the first RPC call is the real readiness
// check.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	if m.probe(ctx) {
		m.logger.Debug("launcher.server.reachable", "channel", m.opts.Channel)
		return nil
	}

	procs, err := m.find(ctx)
	if err != nil {
		m.logger.Warn("launcher.process.list", "error", err)
	} else if len(procs) > 0 {
		m.logger.Info("launcher.server.alive", "pid", procs[0].pid, "name", procs[0].name)
		return nil
	}

	path, err := m.locate()
	if err != nil {
		m.logger.Error("launcher.server.missing", "path", path, "error", err)
		return err
	}

	pid, err := m.start(path, m.opts.Env)
	if err != nil {
		return &StartupError{Op: "spawn", Path: path, Err: err}
	}
	m.logger.Info("launcher.server.spawned", "path", path, "pid", pid)

	m.awaitReady(ctx)
	return nil
}

// Shutdown terminates every process named like the server, except the
// caller. An unrelated process that happens to share the name is terminated
// too.
func (m *Manager) Shutdown(ctx context.Context) error {
	procs, err := m.find(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	var errs []error
	for _, p := range procs {
		if err := p.terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s (%d): %w", p.name, p.pid, err))
			continue
		}
		m.logger.Info("launcher.server.terminated", "pid", p.pid, "name", p.name)
	}
	return errors.Join(errs...)
}

func (m *Manager) find(ctx context.Context) ([]serverProc, error) {
	procs, err := m.listProcs(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var out []serverProc
	for _, p := range procs {
		if p.pid == self || !sameName(p.name, m.opts.ProcessName) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, ".exe"), strings.TrimSuffix(b, ".exe"))
}

func (m *Manager) locate() (string, error) {
	path := m.opts.ServerPath
	if runtime.GOOS == "windows" && filepath.Ext(path) == "" {
		path += ".exe"
	}
	if !filepath.IsAbs(path) {
		exe, err := m.executable()
		if err != nil {
			return path, &StartupError{Op: "locate", Path: path, Err: err}
		}
		path = filepath.Join(filepath.Dir(exe), path)
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return path, &StartupError{Op: "locate", Path: path, Err: ErrServerMissing}
	}
	return path, nil
}

// awaitReady waits, bounded by the handshake timeout, until the channel
// accepts connections.
func (m *Manager) awaitReady(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Handshake)
	defer cancel()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if dir := m.watchDir(); dir != "" {
		if w, err := fsnotify.NewWatcher(); err == nil {
			defer w.Close()
			if err := w.Add(dir); err == nil {
				events, errs = w.Events, w.Errors
			}
		}
	}

	ticker := time.NewTicker(handshakePoll)
	defer ticker.Stop()
	start := time.Now()
	for {
		if m.probe(ctx) {
			m.logger.Info("launcher.server.ready", "after", time.Since(start).String())
			return
		}
		select {
		case <-ctx.Done():
			m.logger.Warn("launcher.handshake.timeout", "timeout", m.opts.Handshake.String())
			return
		case ev := <-events:
			m.logger.Debug("launcher.handshake.fs", "event", ev.String())
		case err := <-errs:
			m.logger.Debug("launcher.handshake.fs", "error", err)
		case <-ticker.C:
		}
	}
}

// watchDir is the directory the server creates its socket in. Named pipes
// have no directory to watch.
func (m *Manager) watchDir() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	return filepath.Dir(ipc.ChannelPath(m.opts.Channel))
}

func listProcesses(ctx context.Context) ([]serverProc, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]serverProc, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Exited or not ours to inspect.
			continue
		}
		out = append(out, serverProc{pid: p.Pid, name: name, terminate: p.TerminateWithContext})
	}
	return out, nil
}
