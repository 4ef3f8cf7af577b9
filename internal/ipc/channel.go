package ipc

import (
	"context"
)

// Reachable reports whether something accepts connections on channel.
func Reachable(ctx context.Context, channel string) bool {
	conn, err := dial(ctx, channel)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
