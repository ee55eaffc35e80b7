//go:build windows

package wake

import "net"

// setBroadcast is a no-op on Windows; spec §9 notes only the arp -n
// fallback is expected to work fully on non-Linux hosts, and this mirrors
// that reduced-support stance for broadcast sockets too.
func setBroadcast(conn *net.UDPConn) error {
	return nil
}
