//go:build linux

package connections

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindControl returns a socket control hook that pins the socket to ifname
// with SO_BINDTODEVICE, or nil when no interface is configured.
func bindControl(ifname string) func(network, address string, c syscall.RawConn) error {
	if ifname == "" {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname)
		}); err != nil {
			return err
		}
		return serr
	}
}
