//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\`

// ChannelPath returns the named pipe path for channel.
func ChannelPath(channel string) string {
	if strings.HasPrefix(channel, pipePrefix) {
		return channel
	}
	return pipePrefix + channel
}

func listen(channel string) (net.Listener, error) {
	path := ChannelPath(channel)
	ln, err := winio.ListenPipe(path, &winio.PipeConfig{})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return ln, nil
}

func dial(ctx context.Context, channel string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, ChannelPath(channel))
}
