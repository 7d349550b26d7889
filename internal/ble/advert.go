// Package ble decodes Apple proximity pairing advertisements and resolves
// the rotating private addresses they arrive on against stored identity
// keys. It never opens a connection; telemetry here is what the accessory
// broadcasts while bonded to anyone, including another host.
package ble

import (
	"errors"
	"fmt"

	"aacpd/internal/aacp"
)

const (
	// AppleCompanyID is the Bluetooth SIG company identifier carried in the
	// manufacturer-data AD structure.
	AppleCompanyID = 0x004C

	proximityType    = 0x07
	minReportLen     = 21
	encryptedLen     = 16
	statusOffset     = 5
	connectionOffset = 10
)

var (
	ErrNotProximity = errors.New("not a proximity pairing report")
	ErrReportLength = errors.New("report too short")
)

// Telemetry is the presence, battery and wear state carried by a single
// proximity pairing report. Levels read from the plain advertisement are
// 10% granular; when the trailing block was decrypted with a session key
// they are exact and Decrypted is set.
type Telemetry struct {
	MAC     string // stable MAC of the matched device record, set by the monitor
	Address string // rotating radio address the report arrived on

	Model           uint16
	Flipped         bool
	Left            aacp.BatteryReading
	Right           aacp.BatteryReading
	Case            aacp.BatteryReading
	LeftInEar       bool
	RightInEar      bool
	Color           uint8
	ConnectionState uint8
	Decrypted       bool
}

// DecodeReport parses the unencrypted portion of a proximity pairing report.
// data is the full Apple manufacturer payload, type byte first.
func DecodeReport(data []byte) (*Telemetry, error) {
	if len(data) < 2 {
		return nil, ErrReportLength
	}
	if data[0] != proximityType {
		return nil, ErrNotProximity
	}
	if n := int(data[1]); len(data) < 2+n {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrReportLength, n, len(data)-2)
	}
	if len(data) < minReportLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrReportLength, len(data))
	}
	if data[2] != 0x01 {
		return nil, ErrNotProximity
	}

	status := data[statusOffset]
	primaryLeft := status&0x20 != 0
	thisInCase := status&0x40 != 0
	flipped := primaryLeft != thisInCase

	t := &Telemetry{
		Model:           uint16(data[3])<<8 | uint16(data[4]),
		Flipped:         flipped,
		Color:           data[9],
		ConnectionState: data[connectionOffset],
	}

	// Wear bits live in the status byte and swap sides with the flip.
	if flipped {
		t.LeftInEar = status&0x02 != 0
		t.RightInEar = status&0x08 != 0
	} else {
		t.LeftInEar = status&0x08 != 0
		t.RightInEar = status&0x02 != 0
	}

	// Coarse battery nibbles: one byte for the buds, the charging byte's low
	// nibble for the case.
	nibbles := data[6]
	leftNibble := nibbles >> 4
	rightNibble := nibbles & 0x0F
	if flipped {
		leftNibble, rightNibble = rightNibble, leftNibble
	}

	charging := data[7]
	caseCharging := charging&0x40 != 0
	rightCharging := charging&0x20 != 0
	leftCharging := charging&0x10 != 0
	if flipped {
		leftCharging, rightCharging = rightCharging, leftCharging
	}

	t.Left = reading(aacp.ComponentLeft, decodeNibble(leftNibble), leftCharging)
	t.Right = reading(aacp.ComponentRight, decodeNibble(rightNibble), rightCharging)
	t.Case = reading(aacp.ComponentCase, decodeNibble(charging&0x0F), caseCharging)

	return t, nil
}

// DecodeTelemetry decodes a report and replaces the coarse battery readings
// with exact levels from the encrypted trailing block.
func DecodeTelemetry(data, encKey []byte) (*Telemetry, error) {
	t, err := DecodeReport(data)
	if err != nil {
		return nil, err
	}

	plain, err := DecryptBlock(encKey, data[len(data)-encryptedLen:])
	if err != nil {
		return nil, err
	}

	// Offsets 1 and 2 are the two buds, swapped by the same flip as the wear
	// bits. Offset 3 is always the case.
	left, right := plain[1], plain[2]
	if t.Flipped {
		left, right = right, left
	}
	t.Left = exactReading(aacp.ComponentLeft, left)
	t.Right = exactReading(aacp.ComponentRight, right)
	t.Case = exactReading(aacp.ComponentCase, plain[3])
	t.Decrypted = true

	return t, nil
}

// exactReading decodes one battery byte from the decrypted block. 0xFF
// means the component is absent; otherwise the low seven bits are the
// percentage and the top bit the charger.
func exactReading(c aacp.BatteryComponent, b byte) aacp.BatteryReading {
	if b == 0xFF {
		return aacp.BatteryReading{Component: c, Status: aacp.BatteryDisconnected}
	}
	level := b & 0x7F
	status := aacp.BatteryNotCharging
	if b&0x80 != 0 {
		status = aacp.BatteryCharging
	}
	return aacp.BatteryReading{Component: c, Level: &level, Status: status}
}

func reading(c aacp.BatteryComponent, level *uint8, charging bool) aacp.BatteryReading {
	if level == nil {
		return aacp.BatteryReading{Component: c, Status: aacp.BatteryDisconnected}
	}
	status := aacp.BatteryNotCharging
	if charging {
		status = aacp.BatteryCharging
	}
	return aacp.BatteryReading{Component: c, Level: level, Status: status}
}

// decodeNibble maps a coarse advertisement nibble to a percentage. 0x0-0x9
// are 10% steps, 0xA-0xE read as full, 0xF is unknown.
func decodeNibble(n uint8) *uint8 {
	switch {
	case n <= 0x9:
		v := n * 10
		return &v
	case n <= 0xE:
		v := uint8(100)
		return &v
	default:
		return nil
	}
}

func (t *Telemetry) String() string {
	side := func(name string, r aacp.BatteryReading, inEar bool) string {
		s := fmt.Sprintf("  %-6s", name+":")
		if r.Level == nil {
			return s + " disconnected"
		}
		s += fmt.Sprintf(" %d%%", *r.Level)
		if r.Status == aacp.BatteryCharging {
			s += " (charging)"
		}
		if inEar {
			s += " [in ear]"
		}
		return s
	}

	quality := "advertisement, ~10%"
	if t.Decrypted {
		quality = "decrypted, 1%"
	}
	out := fmt.Sprintf("Model 0x%04X (%s)\n", t.Model, quality)
	out += side("Left", t.Left, t.LeftInEar) + "\n"
	out += side("Right", t.Right, t.RightInEar) + "\n"
	out += side("Case", t.Case, false) + "\n"
	out += fmt.Sprintf("  State: %s", ConnectionStateString(t.ConnectionState))
	return out
}

// ConnectionStateString names the connection-state byte of a report.
func ConnectionStateString(state uint8) string {
	switch state {
	case 0x00:
		return "Disconnected"
	case 0x04:
		return "Idle"
	case 0x05:
		return "Music"
	case 0x06:
		return "Call"
	case 0x07:
		return "Ringing"
	case 0x09:
		return "Hanging Up"
	default:
		return fmt.Sprintf("Unknown (0x%02X)", state)
	}
}
