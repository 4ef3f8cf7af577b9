//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/mil-ad/outputctl/internal/config"
)

// ChannelPath returns the socket path for channel. A channel containing a
// slash is already a path.
func ChannelPath(channel string) string {
	if strings.ContainsRune(channel, '/') {
		return channel
	}
	return filepath.Join(config.RuntimeDir(), channel+".sock")
}

func listen(channel string) (net.Listener, error) {
	sock := ChannelPath(channel)
	if info, err := os.Lstat(sock); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("listen %s: exists and is not a socket", sock)
		}
		os.Remove(sock) // remove stale socket
	}
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", sock, err)
	}
	if err := os.Chmod(sock, 0700); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", sock, err)
	}
	return ln, nil
}

func dial(ctx context.Context, channel string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", ChannelPath(channel))
}
