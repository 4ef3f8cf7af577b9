// Package daemon owns the device on behalf of outputctld. All device access
// runs on a single goroutine, the device thread.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/mil-ad/outputctl/internal/audio"
)

// ErrStopped is returned by operations issued after Stop.
var ErrStopped = errors.New("control service stopped")

const defaultRefreshTimeout = 5 * time.Second

type Options struct {
	Logger pslog.Logger
	// RefreshTimeout bounds the re-read that follows a device change.
	RefreshTimeout time.Duration
}

// Service serializes facade access and fans out route changes.
type Service struct {
	facade audio.Facade
	logger pslog.Logger
	opts   Options

	tasks   chan func()
	changed chan struct{}
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	unwatch   func()

	mu     sync.Mutex
	subs   map[int]func(audio.OutputModeChanged)
	nextID int

	// device thread only
	active *audio.Device
}

func NewService(facade audio.Facade, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	return &Service{
		facade:  facade,
		logger:  opts.Logger,
		opts:    opts,
		tasks:   make(chan func()),
		changed: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[int]func(audio.OutputModeChanged)),
	}
}

// Start launches the device thread and registers with the facade's change
// callback.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.unwatch = s.facade.Watch(s.onDeviceChange)
		go s.run()
	})
}

// Stop unregisters from the facade and ends the device thread. Queued
// operations fail with ErrStopped.
func (s *Service) Stop() {
	s.startOnce.Do(func() { close(s.done) })
	s.stopOnce.Do(func() {
		if s.unwatch != nil {
			s.unwatch()
		}
		close(s.stop)
		<-s.done
	})
}

// Subscribe registers fn for route changes. fn runs on the device thread and
// must not block.
func (s *Service) Subscribe(fn func(audio.OutputModeChanged)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// onDeviceChange may be called from any goroutine. Bursts coalesce into one
// refresh.
func (s *Service) onDeviceChange() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.changed:
			s.refresh()
		case <-s.stop:
			return
		}
	}
}

// do runs fn on the device thread and waits for it.
func (s *Service) do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	task := func() { errc <- s.safely(ctx, fn) }

	select {
	case s.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) safely(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("daemon.device.panic", "panic", fmt.Sprint(r))
			err = fmt.Errorf("device operation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// firstDevice discovers devices and makes the first one active. Only a single
// device is supported.
func (s *Service) firstDevice(ctx context.Context) (audio.Device, error) {
	devices, err := s.facade.ListDevices(ctx)
	if err != nil {
		return audio.Device{}, fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		return audio.Device{}, audio.ErrDeviceUnavailable
	}
	dev := devices[0]
	if s.active == nil || s.active.ID != dev.ID {
		s.logger.Info("daemon.device.active", "device", dev.Name, "id", dev.ID, "discovered", len(devices))
		s.active = &dev
	}
	return dev, nil
}

func (s *Service) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RefreshTimeout)
	defer cancel()

	var mode audio.OutputMode
	err := s.safely(ctx, func(ctx context.Context) error {
		dev, err := s.firstDevice(ctx)
		if err != nil {
			return err
		}
		mode, err = s.facade.OutputMode(ctx, dev)
		return err
	})
	if err != nil {
		s.logger.Warn("daemon.refresh.failed", "error", err)
		return
	}

	s.logger.Debug("daemon.output.changed", "mode", mode.String())
	ev := audio.OutputModeChanged{Mode: mode}

	s.mu.Lock()
	subs := make([]func(audio.OutputModeChanged), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// CurrentOutputMode reads the route of the first discovered device.
func (s *Service) CurrentOutputMode(ctx context.Context) (audio.OutputMode, error) {
	var mode audio.OutputMode
	err := s.do(ctx, func(ctx context.Context) error {
		dev, err := s.firstDevice(ctx)
		if err != nil {
			return err
		}
		m, err := s.facade.OutputMode(ctx, dev)
		if err != nil {
			return fmt.Errorf("read output mode: %w", err)
		}
		mode = m
		return nil
	})
	if err != nil {
		return 0, err
	}
	return mode, nil
}

func (s *Service) SetSpeakers(ctx context.Context) error {
	return s.setOutputMode(ctx, audio.Speakers)
}

func (s *Service) SetHeadphones(ctx context.Context) error {
	return s.setOutputMode(ctx, audio.Headphones)
}

func (s *Service) EnableDirect(ctx context.Context) error {
	return s.setDirectMode(ctx, audio.DirectOn)
}

func (s *Service) DisableDirect(ctx context.Context) error {
	return s.setDirectMode(ctx, audio.DirectOff)
}

func (s *Service) setOutputMode(ctx context.Context, mode audio.OutputMode) error {
	return s.do(ctx, func(ctx context.Context) error {
		dev, err := s.firstDevice(ctx)
		if err != nil {
			return err
		}
		if err := s.facade.SetOutputMode(ctx, dev, mode); err != nil {
			return fmt.Errorf("switch to %s: %w", mode, err)
		}
		s.logger.Info("daemon.output.set", "mode", mode.String(), "device", dev.Name)
		return nil
	})
}

func (s *Service) setDirectMode(ctx context.Context, state audio.DirectModeState) error {
	return s.do(ctx, func(ctx context.Context) error {
		dev, err := s.firstDevice(ctx)
		if err != nil {
			return err
		}
		if err := s.facade.SetDirectMode(ctx, dev, state); err != nil {
			return fmt.Errorf("direct mode %s: %w", state, err)
		}
		s.logger.Info("daemon.direct.set", "state", state.String(), "device", dev.Name)
		return nil
	})
}
