package wake

// MagicPacketSize is the fixed length of a Wake-on-LAN magic packet: six
// 0xFF bytes followed by sixteen repetitions of the six-byte MAC.
const MagicPacketSize = 6 + 16*6

// BuildMagicPacket constructs the 102-byte WOL payload for mac.
func BuildMagicPacket(mac MAC) [MagicPacketSize]byte {
	var packet [MagicPacketSize]byte
	for i := 0; i < 6; i++ {
		packet[i] = 0xFF
	}
	for i := 0; i < 16; i++ {
		offset := 6 + i*6
		copy(packet[offset:offset+6], mac[:])
	}
	return packet
}
