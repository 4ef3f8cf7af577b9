package audio

import (
	"context"
	"fmt"
	"sync"
)

// Sim is an in-memory Facade. Every device starts on Speakers with direct
// mode off.
type Sim struct {
	mu       sync.Mutex
	devices  []Device
	modes    map[string]OutputMode
	direct   map[string]DirectModeState
	writes   int
	watchers map[int]func()
	nextID   int
	closed   bool
}

func NewSim(devices ...Device) *Sim {
	s := &Sim{
		modes:    make(map[string]OutputMode),
		direct:   make(map[string]DirectModeState),
		watchers: make(map[int]func()),
	}
	s.SetDevices(devices...)
	return s
}

// SetDevices replaces the discovered device list, as if devices were
// plugged in or removed.
func (s *Sim) SetDevices(devices ...Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append([]Device(nil), devices...)
	for _, d := range devices {
		if _, ok := s.modes[d.ID]; !ok {
			s.modes[d.ID] = Speakers
		}
		if _, ok := s.direct[d.ID]; !ok {
			s.direct[d.ID] = DirectOff
		}
	}
}

// Writes returns how many hardware writes were issued.
func (s *Sim) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Direct returns the direct mode state of dev.
func (s *Sim) Direct(dev Device) DirectModeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct[dev.ID]
}

// Switch changes the route as the hardware would (e.g. a jack being
// plugged) and notifies watchers. It does not count as a client write.
func (s *Sim) Switch(dev Device, mode OutputMode) {
	s.mu.Lock()
	changed := s.modes[dev.ID] != mode
	s.modes[dev.ID] = mode
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Sim) ListDevices(ctx context.Context) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("sim: closed")
	}
	return append([]Device(nil), s.devices...), nil
}

func (s *Sim) OutputMode(ctx context.Context, dev Device) (OutputMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode, ok := s.modes[dev.ID]
	if !ok {
		return 0, fmt.Errorf("sim: unknown device %q", dev.ID)
	}
	return mode, nil
}

func (s *Sim) SetOutputMode(ctx context.Context, dev Device, mode OutputMode) error {
	if !mode.Valid() {
		return fmt.Errorf("sim: invalid output mode %d", uint32(mode))
	}
	s.mu.Lock()
	current, ok := s.modes[dev.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sim: unknown device %q", dev.ID)
	}
	if current == mode {
		s.mu.Unlock()
		return nil
	}
	s.modes[dev.ID] = mode
	s.writes++
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Sim) SetDirectMode(ctx context.Context, dev Device, state DirectModeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.direct[dev.ID]
	if !ok {
		return fmt.Errorf("sim: unknown device %q", dev.ID)
	}
	if current != state {
		s.direct[dev.ID] = state
		s.writes++
	}
	return nil
}

func (s *Sim) Watch(fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Sim) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
