//go:build windows

package instance

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// TryAcquire creates a named mutex in the session namespace. It returns false
// without error when the mutex already exists. The OS closes the handle when
// the process exits.
func TryAcquire(name string) (*Guard, bool, error) {
	full, err := windows.UTF16PtrFromString(`Local\` + name)
	if err != nil {
		return nil, false, fmt.Errorf("mutex name %q: %w", name, err)
	}
	h, err := windows.CreateMutex(nil, false, full)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create mutex %q: %w", name, err)
	}

	g := &Guard{name: name}
	g.release = func() error {
		return windows.CloseHandle(h)
	}
	return g, true, nil
}
