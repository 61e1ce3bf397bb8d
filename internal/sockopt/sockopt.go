//go:build !windows

// Package sockopt applies low-level socket options to the public
// listener bind attempts made by the Server's listener-allocation
// loop: SO_REUSEADDR lets a port freed by a just-torn-down tunnel be
// rebound immediately instead of sitting in TIME_WAIT and forcing an
// extra random-port retry.
package sockopt

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReuseAddr is a net.ListenConfig.Control callback that sets
// SO_REUSEADDR on the listening socket before bind(2).
func ReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
