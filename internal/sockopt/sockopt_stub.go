//go:build windows

package sockopt

import "syscall"

// ReuseAddr is a no-op on platforms where golang.org/x/sys/unix's
// SO_REUSEADDR constants aren't available; the listener-allocation
// loop still works, it just can't reclaim a TIME_WAIT port faster.
func ReuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
