package wake

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMACValid(t *testing.T) {
	mac, err := ParseMAC("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, MAC{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, mac)
}

func TestParseMACLowercase(t *testing.T) {
	mac, err := ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, MAC{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, mac)
}

func TestParseMACMixedCase(t *testing.T) {
	mac, err := ParseMAC("Aa:Bb:Cc:Dd:Ee:Ff")
	require.NoError(t, err)
	assert.Equal(t, MAC{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, mac)
}

func TestParseMACInvalidTooShort(t *testing.T) {
	_, err := ParseMAC("AA:BB:CC:DD:EE")
	require.Error(t, err)
}

func TestParseMACInvalidTooLong(t *testing.T) {
	_, err := ParseMAC("AA:BB:CC:DD:EE:FF:00")
	require.Error(t, err)
}

func TestParseMACInvalidHex(t *testing.T) {
	_, err := ParseMAC("GG:BB:CC:DD:EE:FF")
	require.Error(t, err)
}

func TestParseMACWrongDelimiter(t *testing.T) {
	_, err := ParseMAC("AA-BB-CC-DD-EE-FF")
	require.Error(t, err)
}

func TestBuildMagicPacket(t *testing.T) {
	mac := MAC{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	packet := BuildMagicPacket(mac)

	assert.Len(t, packet, 102)
	assert.Equal(t, [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, [6]byte(packet[0:6]))

	for i := 0; i < 16; i++ {
		offset := 6 + i*6
		assert.Equal(t, mac[:], packet[offset:offset+6])
	}
}

func TestIsMACAddress(t *testing.T) {
	assert.True(t, IsMACAddress("aa:bb:cc:dd:ee:ff"))
	assert.True(t, IsMACAddress("AA:BB:CC:DD:EE:FF"))
	assert.False(t, IsMACAddress("aa:bb:cc:dd:ee"))
	assert.False(t, IsMACAddress("aa-bb-cc-dd-ee-ff"))
	assert.False(t, IsMACAddress("not a mac"))
	assert.False(t, IsMACAddress(""))
}

// genMAC produces arbitrary 6-byte MACs for the property checks below.
func genMAC() gopter.Gen {
	return gen.SliceOfN(6, gen.UInt8Range(0, 255)).Map(func(bs []uint8) MAC {
		var m MAC
		copy(m[:], bs)
		return m
	})
}

func TestMagicPacketLaws(t *testing.T) {
	props := gopter.NewProperties(nil)

	props.Property("magic packet is always 102 bytes, starts with six 0xFF, repeats the MAC 16 times", prop.ForAll(
		func(mac MAC) bool {
			packet := BuildMagicPacket(mac)
			if len(packet) != MagicPacketSize {
				return false
			}
			for i := 0; i < 6; i++ {
				if packet[i] != 0xFF {
					return false
				}
			}
			for i := 0; i < 16; i++ {
				offset := 6 + i*6
				for j := 0; j < 6; j++ {
					if packet[offset+j] != mac[j] {
						return false
					}
				}
			}
			return true
		},
		genMAC(),
	))

	props.TestingRun(t)
}

func TestParseMACRoundTripsWithString(t *testing.T) {
	props := gopter.NewProperties(nil)

	props.Property("parse_mac is the inverse of the canonical formatter", prop.ForAll(
		func(mac MAC) bool {
			parsed, err := ParseMAC(mac.String())
			return err == nil && parsed == mac
		},
		genMAC(),
	))

	props.TestingRun(t)
}
