//go:build windows

package emberguard

import (
	"context"
	"net"
)

// listen opens the admission TCP listener. TCP_FASTOPEN and the tuned
// keepalive knobs are POSIX socket options with no windows/x/sys equivalent
// wired up here; windows builds get the platform's TCP defaults.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
