//go:build !linux

package connections

import (
	"fmt"
	"syscall"
)

func bindControl(ifname string) func(network, address string, c syscall.RawConn) error {
	if ifname == "" {
		return nil
	}
	return func(_, _ string, _ syscall.RawConn) error {
		return fmt.Errorf("binding to interface %q is only supported on linux", ifname)
	}
}
