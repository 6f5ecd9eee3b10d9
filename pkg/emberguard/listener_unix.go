//go:build !windows

package emberguard

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// A shallow TCP_FASTOPEN queue (this proxy terminates the handshake itself,
// it doesn't need a deep backlog) and a keepalive aggressive enough to
// notice a dead peer within ~85s.
const (
	fastOpenQueue  = 10
	keepaliveIdle  = 60
	keepaliveIntvl = 5
	keepaliveCount = 5
)

// listen opens the admission TCP listener with the tuning options above
// applied via a net.ListenConfig.Control callback.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				ctrlErr = setSockoptsUnix(int(fd))
			}); err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

func setSockoptsUnix(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_FASTOPEN, fastOpenQueue); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, keepaliveIdle); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepaliveIntvl); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepaliveCount)
}
