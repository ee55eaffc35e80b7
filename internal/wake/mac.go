// Package wake implements the wake-on-demand subsystem (spec §4.8):
// MAC parsing, magic-packet construction, UDP/TCP-bouncer emission, and ARP
// discovery. Adapted from wol.rs and arp.rs.
package wake

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/runnergateway/gateway/internal/gatewayerr"
)

// MAC is a parsed six-byte hardware address.
type MAC [6]byte

// ParseMAC parses "AA:BB:CC:DD:EE:FF" (case-insensitive) into a MAC.
func ParseMAC(s string) (MAC, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return MAC{}, gatewayerr.WakeFailed("invalid MAC address %q: expected 6 octets separated by ':', got %d", s, len(parts))
	}

	var mac MAC
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return MAC{}, gatewayerr.WakeFailed("invalid MAC address %q: invalid hex octet %q", s, part)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}

// String formats mac as uppercase colon-separated hex, the canonical form
// parse_mac must invert (spec §8, "parse_mac is the inverse of the
// canonical uppercase colon-separated formatter for all valid MACs").
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsMACAddress reports whether s looks like a colon-separated MAC: six
// two-hex-digit octets.
func IsMACAddress(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 {
			return false
		}
		for _, c := range p {
			if !isHexDigit(c) {
				return false
			}
		}
	}
	return true
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// isZeroMAC reports whether s is the ARP-incomplete placeholder.
func isZeroMAC(s string) bool {
	return strings.EqualFold(s, "00:00:00:00:00:00")
}
