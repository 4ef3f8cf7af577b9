// Package instance keeps a single outputctld per user session.
package instance

import "sync"

// Guard holds the single-instance resource until Release or process exit.
type Guard struct {
	name    string
	once    sync.Once
	release func() error
	err     error
}

// Name returns the instance name the guard was acquired for.
func (g *Guard) Name() string {
	return g.name
}

// Release gives the resource back. Calling it again is a no-op.
func (g *Guard) Release() error {
	g.once.Do(func() {
		g.err = g.release()
	})
	return g.err
}
