//go:build !windows

package wake

import (
	"net"
	"syscall"
)

// setBroadcast enables SO_BROADCAST on conn's underlying socket, required
// on most platforms before sending a UDP packet to a broadcast address.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
