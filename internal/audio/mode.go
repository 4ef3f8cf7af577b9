package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrDeviceUnavailable is returned when the backend reports no devices.
var ErrDeviceUnavailable = errors.New("no audio device discovered")

// OutputMode is the active audio route of a device.
type OutputMode uint32

const (
	Speakers   OutputMode = 2
	Headphones OutputMode = 4
)

func (m OutputMode) String() string {
	switch m {
	case Speakers:
		return "speakers"
	case Headphones:
		return "headphones"
	default:
		return fmt.Sprintf("OutputMode(%d)", uint32(m))
	}
}

// Valid reports whether m is one of the known routes.
func (m OutputMode) Valid() bool {
	return m == Speakers || m == Headphones
}

// Opposite returns the route a toggle switches to.
func (m OutputMode) Opposite() OutputMode {
	if m == Headphones {
		return Speakers
	}
	return Headphones
}

func (m OutputMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid output mode %d", uint32(m))
	}
	return []byte(m.String()), nil
}

func (m *OutputMode) UnmarshalText(text []byte) error {
	mode, err := ParseOutputMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseOutputMode accepts "speakers" or "headphones".
func ParseOutputMode(s string) (OutputMode, error) {
	switch s {
	case "speakers":
		return Speakers, nil
	case "headphones":
		return Headphones, nil
	}
	return 0, fmt.Errorf("unknown output mode %q", s)
}

// DirectModeState toggles the device's direct (bypass) path.
type DirectModeState uint32

const (
	DirectOff DirectModeState = 0
	DirectOn  DirectModeState = 1
)

func (d DirectModeState) String() string {
	if d == DirectOn {
		return "on"
	}
	return "off"
}

// ParseDirectMode accepts "on" or "off".
func ParseDirectMode(s string) (DirectModeState, error) {
	switch s {
	case "on":
		return DirectOn, nil
	case "off":
		return DirectOff, nil
	}
	return 0, fmt.Errorf("unknown direct mode %q", s)
}

// Device is an opaque handle owned by a Facade.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OutputModeChanged is raised when the device reports a new route.
type OutputModeChanged struct {
	Mode OutputMode `json:"mode"`
}

// Facade wraps a vendor device stack.
//
// SetOutputMode and SetDirectMode must not issue a hardware write when the
// device already reports the requested value. Watch callbacks may run on any
// goroutine and must not block.
type Facade interface {
	ListDevices(ctx context.Context) ([]Device, error)
	OutputMode(ctx context.Context, dev Device) (OutputMode, error)
	SetOutputMode(ctx context.Context, dev Device, mode OutputMode) error
	SetDirectMode(ctx context.Context, dev Device, state DirectModeState) error
	Watch(fn func()) (unwatch func())
	Close() error
}
