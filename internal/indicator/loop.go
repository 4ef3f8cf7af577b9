// Package indicator keeps a client-side display of the active route in step
// with the server, and owns the client lifecycle.
package indicator

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/mil-ad/outputctl/internal/audio"
)

const defaultPollInterval = time.Second

// ModeSource answers the current route.
type ModeSource interface {
	CurrentOutputMode(ctx context.Context) (audio.OutputMode, error)
}

// Indicator displays a route.
type Indicator interface {
	Show(mode audio.OutputMode)
}

// SyncLoop polls a ModeSource and updates an Indicator only when the route
// changes. Polling backs up the pushed events, which may be dropped.
type SyncLoop struct {
	src      ModeSource
	sink     Indicator
	interval time.Duration
	logger   pslog.Logger

	// mu is held for a whole tick so poll ticks and event refreshes never
	// interleave.
	mu      sync.Mutex
	last    audio.OutputMode
	shown   bool
	lastErr string

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyncLoop(src ModeSource, sink Indicator, interval time.Duration, logger pslog.Logger) *SyncLoop {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &SyncLoop{src: src, sink: sink, interval: interval, logger: logger}
}

// Start begins polling. It is a no-op if the loop is already running.
func (l *SyncLoop) Start(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop ends polling and waits for an in-flight tick.
func (l *SyncLoop) Stop() {
	l.runMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *SyncLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick reads the route once and shows it if it changed. Errors are logged
// once per distinct error and returned; the loop keeps going regardless.
func (l *SyncLoop) Tick(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	mode, err := l.src.CurrentOutputMode(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if msg := err.Error(); msg != l.lastErr {
			l.logger.Warn("indicator.refresh.failed", "error", err)
			l.lastErr = msg
		}
		return err
	}
	if l.lastErr != "" {
		l.logger.Info("indicator.refresh.recovered")
		l.lastErr = ""
	}

	if l.shown && mode == l.last {
		return nil
	}
	l.sink.Show(mode)
	l.last, l.shown = mode, true
	return nil
}

// Last returns the route currently displayed, if any.
func (l *SyncLoop) Last() (audio.OutputMode, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.shown
}
