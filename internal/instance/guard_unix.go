//go:build !windows

package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mil-ad/outputctl/internal/config"
)

// LockPath returns the lock file used for name.
func LockPath(name string) string {
	if strings.ContainsRune(name, '/') {
		return name
	}
	return filepath.Join(config.RuntimeDir(), name+".lock")
}

// TryAcquire takes an exclusive flock on the lock file for name. It returns
// false without error when another process holds it. The kernel drops the
// lock when the holder exits, however it exits.
func TryAcquire(name string) (*Guard, bool, error) {
	path := LockPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lock %s: %w", path, err)
	}

	// Informational only.
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	g := &Guard{name: name}
	g.release = func() error {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return f.Close()
	}
	return g, true, nil
}
