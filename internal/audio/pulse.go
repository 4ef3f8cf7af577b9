package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	lookupBusName  = "org.PulseAudio1"
	lookupPath     = "/org/pulseaudio/server_lookup1"
	lookupIface    = "org.PulseAudio.ServerLookup1"
	corePath       = "/org/pulseaudio/core1"
	coreIface      = "org.PulseAudio.Core1"
	deviceIface    = coreIface + ".Device"
	portIface      = coreIface + ".DevicePort"
	propsIface     = "org.freedesktop.DBus.Properties"
	portSignal     = deviceIface + ".ActivePortUpdated"
	pulseAddrEnvar = "PULSE_DBUS_SERVER"
)

// PulseOptions selects the sink and the port names that map to each route.
type PulseOptions struct {
	Sink           string // substring of the sink name; empty matches all
	SpeakersPort   string
	HeadphonesPort string
}

// Pulse drives a PulseAudio sink's active port through the PulseAudio D-Bus
// protocol (module-dbus-protocol must be loaded).
type Pulse struct {
	conn *dbus.Conn
	opts PulseOptions

	mu       sync.Mutex
	watchers map[int]func()
	nextID   int
	signals  chan *dbus.Signal
	done     chan struct{}
}

func NewPulse(opts PulseOptions) (*Pulse, error) {
	if opts.SpeakersPort == "" || opts.HeadphonesPort == "" {
		return nil, fmt.Errorf("pulse: speakers and headphones port names are required")
	}
	addr, err := pulseAddress()
	if err != nil {
		return nil, err
	}
	conn, err := dbus.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial pulseaudio %s: %w", addr, err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticate to pulseaudio: %w", err)
	}
	return &Pulse{
		conn:     conn,
		opts:     opts,
		watchers: make(map[int]func()),
	}, nil
}

// pulseAddress asks the session bus where the PulseAudio D-Bus server lives.
func pulseAddress() (string, error) {
	if addr := os.Getenv(pulseAddrEnvar); addr != "" {
		return addr, nil
	}
	sess, err := dbus.SessionBus()
	if err != nil {
		return "", fmt.Errorf("connect to session bus: %w", err)
	}
	var v dbus.Variant
	err = sess.Object(lookupBusName, lookupPath).
		Call(propsIface+".Get", 0, lookupIface, "Address").Store(&v)
	if err != nil {
		return "", fmt.Errorf("lookup pulseaudio address (is module-dbus-protocol loaded?): %w", err)
	}
	addr, ok := v.Value().(string)
	if !ok || addr == "" {
		return "", fmt.Errorf("pulseaudio lookup returned no address")
	}
	return addr, nil
}

func (p *Pulse) Close() error {
	p.mu.Lock()
	p.stopSignalsLocked()
	p.mu.Unlock()
	return p.conn.Close()
}

// --- property helpers ---

func (p *Pulse) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := p.conn.Object("", path)
	var v dbus.Variant
	err := obj.CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (p *Pulse) setProp(ctx context.Context, path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := p.conn.Object("", path)
	return obj.CallWithContext(ctx, propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (p *Pulse) getString(ctx context.Context, path dbus.ObjectPath, iface, prop string) (string, error) {
	v, err := p.getProp(ctx, path, iface, prop)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("property %s is not string", prop)
	}
	return s, nil
}

func (p *Pulse) getPath(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.ObjectPath, error) {
	v, err := p.getProp(ctx, path, iface, prop)
	if err != nil {
		return "", err
	}
	op, ok := v.Value().(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("property %s is not an object path", prop)
	}
	return op, nil
}

// --- devices ---

func (p *Pulse) ListDevices(ctx context.Context) ([]Device, error) {
	v, err := p.getProp(ctx, corePath, coreIface, "Sinks")
	if err != nil {
		return nil, fmt.Errorf("list sinks: %w", err)
	}
	sinks, ok := v.Value().([]dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("property Sinks is not a path list")
	}
	var devices []Device
	for _, sink := range sinks {
		name, err := p.getString(ctx, sink, deviceIface, "Name")
		if err != nil {
			return nil, fmt.Errorf("sink %s name: %w", sink, err)
		}
		if p.opts.Sink != "" && !strings.Contains(name, p.opts.Sink) {
			continue
		}
		devices = append(devices, Device{ID: string(sink), Name: name})
	}
	return devices, nil
}

// --- route resolution ---

func (p *Pulse) activePortName(ctx context.Context, dev Device) (string, error) {
	port, err := p.getPath(ctx, dbus.ObjectPath(dev.ID), deviceIface, "ActivePort")
	if err != nil {
		return "", fmt.Errorf("active port of %s: %w", dev.Name, err)
	}
	return p.getString(ctx, port, portIface, "Name")
}

func (p *Pulse) OutputMode(ctx context.Context, dev Device) (OutputMode, error) {
	name, err := p.activePortName(ctx, dev)
	if err != nil {
		return 0, err
	}
	return modeForPort(name, p.opts), nil
}

func (p *Pulse) SetOutputMode(ctx context.Context, dev Device, mode OutputMode) error {
	want, err := portForMode(mode, p.opts)
	if err != nil {
		return err
	}
	current, err := p.activePortName(ctx, dev)
	if err != nil {
		return err
	}
	if current == want {
		return nil
	}

	var port dbus.ObjectPath
	obj := p.conn.Object("", dbus.ObjectPath(dev.ID))
	if err := obj.CallWithContext(ctx, deviceIface+".GetPortByName", 0, want).Store(&port); err != nil {
		return fmt.Errorf("port %q on %s: %w", want, dev.Name, err)
	}
	if err := p.setProp(ctx, dbus.ObjectPath(dev.ID), deviceIface, "ActivePort", port); err != nil {
		return fmt.Errorf("set active port %q: %w", want, err)
	}
	return nil
}

// SetDirectMode is not supported: PulseAudio sinks have no bypass switch.
func (p *Pulse) SetDirectMode(ctx context.Context, dev Device, state DirectModeState) error {
	return fmt.Errorf("pulse: direct mode: %w", errors.ErrUnsupported)
}

// modeForPort classifies a port name. Unknown ports fall back on the word
// "headphone" in the name.
func modeForPort(name string, opts PulseOptions) OutputMode {
	switch name {
	case opts.HeadphonesPort:
		return Headphones
	case opts.SpeakersPort:
		return Speakers
	}
	if strings.Contains(strings.ToLower(name), "headphone") {
		return Headphones
	}
	return Speakers
}

func portForMode(mode OutputMode, opts PulseOptions) (string, error) {
	switch mode {
	case Speakers:
		return opts.SpeakersPort, nil
	case Headphones:
		return opts.HeadphonesPort, nil
	}
	return "", fmt.Errorf("invalid output mode %d", uint32(mode))
}

// --- signal subscription ---

func (p *Pulse) Watch(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.watchers[id] = fn
	if p.signals == nil {
		p.startSignalsLocked()
	}

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watchers, id)
		if len(p.watchers) == 0 {
			p.stopSignalsLocked()
		}
	}
}

func (p *Pulse) startSignalsLocked() {
	// An empty object list subscribes to the signal on every device.
	p.conn.Object("", corePath).Call(coreIface+".ListenForSignal", 0, portSignal, []dbus.ObjectPath{})

	p.signals = make(chan *dbus.Signal, 16)
	p.done = make(chan struct{})
	p.conn.Signal(p.signals)
	go p.watchSignals(p.signals, p.done)
}

func (p *Pulse) stopSignalsLocked() {
	if p.signals == nil {
		return
	}
	p.conn.Object("", corePath).Call(coreIface+".StopListeningForSignal", 0, portSignal)
	p.conn.RemoveSignal(p.signals)
	close(p.done)
	p.signals = nil
	p.done = nil
}

func (p *Pulse) watchSignals(ch chan *dbus.Signal, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig.Name != portSignal {
				continue
			}
			p.mu.Lock()
			fns := make([]func(), 0, len(p.watchers))
			for _, fn := range p.watchers {
				fns = append(fns, fn)
			}
			p.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		}
	}
}
