package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aacpd/internal/aacp"
)

// Report layout used by the fixtures: type, length, prefix, model (2),
// status, battery nibbles, charging byte, lid, color, connection state,
// then the 16-byte encrypted block.
func buildReport(status, connState byte, encrypted []byte) []byte {
	report := []byte{
		proximityType, 0x19,
		0x01,
		0x24, 0x20,
		status,
		0x88,
		0x4F,
		0x00,
		0x05,
		connState,
	}
	return append(report, encrypted...)
}

// The encrypted block is the FIPS-197 C.1 ciphertext, so decrypting with the
// C.1 key yields 00112233...: bud batteries 0x11 and 0x22, case 0x33.
var (
	fixtureKey       = "000102030405060708090a0b0c0d0e0f"
	fixtureEncrypted = "69c4e0d86a7b0430d8cdb78070b4c55a"
)

func level(t *testing.T, r aacp.BatteryReading) uint8 {
	t.Helper()
	require.NotNil(t, r.Level, "%v reading has no level", r.Component)
	return *r.Level
}

func TestDecodeTelemetryFixture(t *testing.T) {
	data := buildReport(0x00, 0x05, fromHex(t, fixtureEncrypted))

	tel, err := DecodeTelemetry(data, fromHex(t, fixtureKey))
	require.NoError(t, err)

	assert.True(t, tel.Decrypted)
	assert.Equal(t, uint16(0x2420), tel.Model)
	assert.Equal(t, uint8(0x05), tel.ConnectionState)
	assert.False(t, tel.Flipped)

	assert.Equal(t, uint8(0x11), level(t, tel.Left))
	assert.Equal(t, uint8(0x22), level(t, tel.Right))
	assert.Equal(t, uint8(0x33), level(t, tel.Case))
	assert.Equal(t, aacp.BatteryNotCharging, tel.Left.Status)
	assert.Equal(t, aacp.BatteryNotCharging, tel.Right.Status)
}

func TestDecodeTelemetryFlipSwapsSides(t *testing.T) {
	encrypted := fromHex(t, fixtureEncrypted)
	key := fromHex(t, fixtureKey)

	// Bit 3 marks one bud worn; which side it means depends on the flip.
	plain, err := DecodeTelemetry(buildReport(0x08, 0x00, encrypted), key)
	require.NoError(t, err)
	flipped, err := DecodeTelemetry(buildReport(0x08|0x20, 0x00, encrypted), key)
	require.NoError(t, err)

	assert.False(t, plain.Flipped)
	assert.True(t, flipped.Flipped)

	// Left and right swap, and nothing else moves.
	assert.Equal(t, level(t, plain.Left), level(t, flipped.Right))
	assert.Equal(t, level(t, plain.Right), level(t, flipped.Left))
	assert.Equal(t, level(t, plain.Case), level(t, flipped.Case))
	assert.Equal(t, plain.LeftInEar, flipped.RightInEar)
	assert.Equal(t, plain.RightInEar, flipped.LeftInEar)
	assert.True(t, plain.LeftInEar)
	assert.False(t, plain.RightInEar)
	assert.Equal(t, plain.Model, flipped.Model)
	assert.Equal(t, plain.ConnectionState, flipped.ConnectionState)

	// Both orientation bits set cancel out to the plain layout.
	both, err := DecodeTelemetry(buildReport(0x08|0x60, 0x00, encrypted), key)
	require.NoError(t, err)
	assert.False(t, both.Flipped)
	assert.Equal(t, level(t, plain.Left), level(t, both.Left))
	assert.Equal(t, plain.LeftInEar, both.LeftInEar)
}

func TestExactReading(t *testing.T) {
	tests := []struct {
		name   string
		b      byte
		level  *uint8
		status aacp.BatteryStatus
	}{
		{name: "absent", b: 0xFF, level: nil, status: aacp.BatteryDisconnected},
		{name: "85 not charging", b: 0x55, level: ptr(85), status: aacp.BatteryNotCharging},
		{name: "85 charging", b: 0xD5, level: ptr(85), status: aacp.BatteryCharging},
		{name: "empty", b: 0x00, level: ptr(0), status: aacp.BatteryNotCharging},
		{name: "empty charging", b: 0x80, level: ptr(0), status: aacp.BatteryCharging},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := exactReading(aacp.ComponentLeft, tt.b)
			assert.Equal(t, aacp.ComponentLeft, r.Component)
			assert.Equal(t, tt.status, r.Status)
			if tt.level == nil {
				assert.Nil(t, r.Level)
			} else {
				require.NotNil(t, r.Level)
				assert.Equal(t, *tt.level, *r.Level)
			}
		})
	}
}

func ptr(v uint8) *uint8 { return &v }

func TestDecodeReportCoarse(t *testing.T) {
	data := buildReport(0x00, 0x00, fromHex(t, fixtureEncrypted))

	tel, err := DecodeReport(data)
	require.NoError(t, err)

	assert.False(t, tel.Decrypted)
	assert.Equal(t, uint8(80), level(t, tel.Left))
	assert.Equal(t, uint8(80), level(t, tel.Right))
	assert.Equal(t, aacp.BatteryNotCharging, tel.Left.Status)

	// Charging byte 0x4F: case charger bit set but case nibble 0xF, so the
	// case reads absent.
	assert.Nil(t, tel.Case.Level)
	assert.Equal(t, aacp.BatteryDisconnected, tel.Case.Status)
}

func TestDecodeReportRejectsMalformed(t *testing.T) {
	valid := buildReport(0x00, 0x00, fromHex(t, fixtureEncrypted))

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: ErrReportLength},
		{name: "one byte", data: []byte{proximityType}, want: ErrReportLength},
		{name: "nearby info type", data: append([]byte{0x10}, valid[1:]...), want: ErrNotProximity},
		{name: "declared length beyond data", data: valid[:12], want: ErrReportLength},
		{name: "under minimum", data: append([]byte{proximityType, 0x08}, make([]byte, 8)...), want: ErrReportLength},
		{name: "wrong prefix", data: append([]byte{proximityType, 0x19, 0x02}, valid[3:]...), want: ErrNotProximity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeReport(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeTelemetryRejectsBadKey(t *testing.T) {
	data := buildReport(0x00, 0x00, fromHex(t, fixtureEncrypted))
	_, err := DecodeTelemetry(data, make([]byte, 15))
	assert.ErrorIs(t, err, ErrKeyLength)
}

func TestDecodeNibble(t *testing.T) {
	for n := uint8(0); n <= 0x9; n++ {
		got := decodeNibble(n)
		require.NotNil(t, got)
		assert.Equal(t, n*10, *got)
	}
	for n := uint8(0xA); n <= 0xE; n++ {
		got := decodeNibble(n)
		require.NotNil(t, got)
		assert.Equal(t, uint8(100), *got)
	}
	assert.Nil(t, decodeNibble(0xF))
}
