package aacp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedPayload wraps all typed-payload parse failures. Callers treat
// these as format errors: log and drop, never fatal.
var ErrMalformedPayload = errors.New("aacp: malformed payload")

// ControlCommandID keys a settable/gettable accessory configuration item.
type ControlCommandID uint8

const (
	ControlListeningMode    ControlCommandID = 0x0D
	ControlAllowOffOption   ControlCommandID = 0x1C
	ControlAdaptiveVolume   ControlCommandID = 0x26
	ControlConversationMode ControlCommandID = 0x28
	ControlOwnsConnection   ControlCommandID = 0x34
)

func (c ControlCommandID) String() string {
	switch c {
	case ControlListeningMode:
		return "ListeningMode"
	case ControlAllowOffOption:
		return "AllowOffOption"
	case ControlAdaptiveVolume:
		return "AdaptiveVolumeConfig"
	case ControlConversationMode:
		return "ConversationDetectConfig"
	case ControlOwnsConnection:
		return "OwnsConnection"
	default:
		return fmt.Sprintf("ControlCommand(0x%02X)", uint8(c))
	}
}

// ListeningMode values carried by ControlListeningMode.
type ListeningMode uint8

const (
	ListeningModeOff               ListeningMode = 0x01
	ListeningModeNoiseCancellation ListeningMode = 0x02
	ListeningModeTransparency      ListeningMode = 0x03
	ListeningModeAdaptive          ListeningMode = 0x04
)

func (m ListeningMode) String() string {
	switch m {
	case ListeningModeOff:
		return "Off"
	case ListeningModeNoiseCancellation:
		return "NoiseCancellation"
	case ListeningModeTransparency:
		return "Transparency"
	case ListeningModeAdaptive:
		return "Adaptive"
	default:
		return fmt.Sprintf("ListeningMode(0x%02X)", uint8(m))
	}
}

// ControlCommandStatus is the latest known value of one control command.
type ControlCommandStatus struct {
	Identifier ControlCommandID
	Value      []byte
}

func (s ControlCommandStatus) String() string {
	return fmt.Sprintf("%s=% X", s.Identifier, s.Value)
}

// ParseControlCommand decodes a ControlCommand payload: identifier byte
// followed by the value bytes.
func ParseControlCommand(payload []byte) (ControlCommandStatus, error) {
	if len(payload) < 1 {
		return ControlCommandStatus{}, fmt.Errorf("%w: empty control command", ErrMalformedPayload)
	}
	value := make([]byte, len(payload)-1)
	copy(value, payload[1:])
	return ControlCommandStatus{Identifier: ControlCommandID(payload[0]), Value: value}, nil
}

// EncodeSetControlCommand builds a set payload for the given identifier.
func EncodeSetControlCommand(id ControlCommandID, value []byte) []byte {
	payload := make([]byte, 0, 1+len(value))
	payload = append(payload, byte(id))
	return append(payload, value...)
}

// EncodeGetControlCommand builds a value-less payload; the accessory answers
// with a ControlCommand packet carrying the current value.
func EncodeGetControlCommand(id ControlCommandID) []byte {
	return []byte{byte(id)}
}

// BatteryComponent identifies which part of the accessory a reading is for.
type BatteryComponent uint8

const (
	ComponentHeadphone BatteryComponent = 0x01
	ComponentRight     BatteryComponent = 0x02
	ComponentLeft      BatteryComponent = 0x04
	ComponentCase      BatteryComponent = 0x08
)

func (c BatteryComponent) String() string {
	switch c {
	case ComponentHeadphone:
		return "Headphone"
	case ComponentRight:
		return "Right"
	case ComponentLeft:
		return "Left"
	case ComponentCase:
		return "Case"
	default:
		return fmt.Sprintf("Component(0x%02X)", uint8(c))
	}
}

// BatteryStatus is always definite once a component has been observed.
type BatteryStatus uint8

const (
	BatteryCharging     BatteryStatus = 0x01
	BatteryNotCharging  BatteryStatus = 0x02
	BatteryDisconnected BatteryStatus = 0x04
)

func (s BatteryStatus) String() string {
	switch s {
	case BatteryCharging:
		return "Charging"
	case BatteryNotCharging:
		return "NotCharging"
	case BatteryDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Status(0x%02X)", uint8(s))
	}
}

// BatteryReading is one component's battery state. Level is nil while the
// component is disconnected (bud left in a pocket, case closed elsewhere).
type BatteryReading struct {
	Component BatteryComponent
	Level     *uint8
	Status    BatteryStatus
}

func (r BatteryReading) String() string {
	if r.Level == nil {
		return fmt.Sprintf("%s: %s", r.Component, r.Status)
	}
	return fmt.Sprintf("%s: %d%% (%s)", r.Component, *r.Level, r.Status)
}

// ParseBatteryState decodes a BatteryState payload.
// Format: [count] then per reading [component] 01 [level] [status] 01.
// Readings with an unrecognized component are skipped.
func ParseBatteryState(payload []byte) ([]BatteryReading, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty battery payload", ErrMalformedPayload)
	}
	count := int(payload[0])
	offset := 1
	readings := make([]BatteryReading, 0, count)
	for i := 0; i < count; i++ {
		if offset+5 > len(payload) {
			return nil, fmt.Errorf("%w: battery reading %d truncated at offset %d", ErrMalformedPayload, i, offset)
		}
		component := BatteryComponent(payload[offset])
		level := payload[offset+2]
		status := BatteryStatus(payload[offset+3])
		offset += 5

		switch component {
		case ComponentHeadphone, ComponentRight, ComponentLeft, ComponentCase:
		default:
			continue
		}
		switch status {
		case BatteryCharging, BatteryNotCharging, BatteryDisconnected:
		default:
			status = BatteryNotCharging
		}

		reading := BatteryReading{Component: component, Status: status}
		if status != BatteryDisconnected {
			lvl := level
			reading.Level = &lvl
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

// ProximityKeyType identifies a key supplied by the accessory.
type ProximityKeyType uint8

const (
	ProximityKeyIRK    ProximityKeyType = 0x01
	ProximityKeyEncKey ProximityKeyType = 0x04
)

func (t ProximityKeyType) String() string {
	switch t {
	case ProximityKeyIRK:
		return "IRK"
	case ProximityKeyEncKey:
		return "EncKey"
	default:
		return fmt.Sprintf("Key(0x%02X)", uint8(t))
	}
}

// ProximityKey is one key from a ProximityKeysResponse.
type ProximityKey struct {
	Type  ProximityKeyType
	Bytes []byte
}

// EncodeProximityKeysRequest builds the request payload: a bitmask of the
// wanted key types followed by a zero pad byte.
func EncodeProximityKeysRequest(types ...ProximityKeyType) []byte {
	var mask byte
	for _, t := range types {
		mask |= byte(t)
	}
	return []byte{mask, 0x00}
}

// ParseProximityKeys decodes a ProximityKeysResponse payload.
// Format: [count] then per key a 4-byte header [type] 00 [length] 00
// followed by the key bytes.
func ParseProximityKeys(payload []byte) ([]ProximityKey, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty key payload", ErrMalformedPayload)
	}
	count := int(payload[0])
	offset := 1
	keys := make([]ProximityKey, 0, count)
	for i := 0; i < count; i++ {
		if offset+4 > len(payload) {
			return nil, fmt.Errorf("%w: key header %d truncated at offset %d", ErrMalformedPayload, i, offset)
		}
		keyType := ProximityKeyType(payload[offset])
		keyLen := int(payload[offset+2])
		offset += 4
		if offset+keyLen > len(payload) {
			return nil, fmt.Errorf("%w: key data %d truncated, want %d bytes at offset %d", ErrMalformedPayload, i, keyLen, offset)
		}
		keyBytes := make([]byte, keyLen)
		copy(keyBytes, payload[offset:offset+keyLen])
		offset += keyLen
		keys = append(keys, ProximityKey{Type: keyType, Bytes: keyBytes})
	}
	return keys, nil
}

// EarState reports the in-ear detection of both buds. Primary is whichever
// bud currently leads the connection.
type EarState struct {
	PrimaryInEar   bool
	SecondaryInEar bool
}

// AnyInEar reports whether at least one bud is worn.
func (e EarState) AnyInEar() bool { return e.PrimaryInEar || e.SecondaryInEar }

func (e EarState) String() string {
	return fmt.Sprintf("primary=%t secondary=%t", e.PrimaryInEar, e.SecondaryInEar)
}

// ParseEarDetection decodes an EarDetection payload: one byte per bud,
// 0x00 means in ear.
func ParseEarDetection(payload []byte) (EarState, error) {
	if len(payload) < 2 {
		return EarState{}, fmt.Errorf("%w: ear detection wants 2 bytes, got %d", ErrMalformedPayload, len(payload))
	}
	return EarState{
		PrimaryInEar:   payload[0] == 0x00,
		SecondaryInEar: payload[1] == 0x00,
	}, nil
}

// ParseConversationAwareness decodes a ConversationAwareness payload.
// Levels observed on hardware: 0x01 speech onset, 0x02 sustained speech,
// 0x03 and above decay back to idle.
func ParseConversationAwareness(payload []byte) (bool, error) {
	if len(payload) < 1 {
		return false, fmt.Errorf("%w: empty conversation awareness payload", ErrMalformedPayload)
	}
	return payload[0] == 0x01 || payload[0] == 0x02, nil
}

// ConnectedDeviceInfo is one entry of the accessory's own session list.
type ConnectedDeviceInfo struct {
	MAC   string
	Info1 byte
	Info2 byte
}

func (d ConnectedDeviceInfo) String() string {
	return fmt.Sprintf("%s (info1=0x%02X info2=0x%02X)", d.MAC, d.Info1, d.Info2)
}

// ParseConnectedDevices decodes a ConnectedDevices payload.
// Format: [count] then 8-byte entries: 6-byte address (reversed, as on the
// Bluetooth wire), info1, info2.
func ParseConnectedDevices(payload []byte) ([]ConnectedDeviceInfo, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty connected devices payload", ErrMalformedPayload)
	}
	count := int(payload[0])
	offset := 1
	devices := make([]ConnectedDeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		if offset+8 > len(payload) {
			return nil, fmt.Errorf("%w: device entry %d truncated at offset %d", ErrMalformedPayload, i, offset)
		}
		devices = append(devices, ConnectedDeviceInfo{
			MAC:   macString(payload[offset : offset+6]),
			Info1: payload[offset+6],
			Info2: payload[offset+7],
		})
		offset += 8
	}
	return devices, nil
}

// EncodeRename builds a Rename payload: length byte plus UTF-8 name.
func EncodeRename(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrMalformedPayload)
	}
	if len(name) > 255 {
		return nil, fmt.Errorf("%w: name longer than 255 bytes", ErrMalformedPayload)
	}
	payload := make([]byte, 0, 1+len(name))
	payload = append(payload, byte(len(name)))
	return append(payload, name...), nil
}

// EncodeMediaInformation builds the hand-off announcement payload sent when
// a new peer joins the accessory's session list.
func EncodeMediaInformation(localMAC, peerMAC string) ([]byte, error) {
	return encodePeerPair(localMAC, peerMAC)
}

// EncodeAddPeerDevice builds the add-peer payload that follows the media
// information announcement.
func EncodeAddPeerDevice(localMAC, peerMAC string) ([]byte, error) {
	return encodePeerPair(localMAC, peerMAC)
}

func encodePeerPair(localMAC, peerMAC string) ([]byte, error) {
	local, err := macBytes(localMAC)
	if err != nil {
		return nil, err
	}
	peer, err := macBytes(peerMAC)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 12)
	payload = append(payload, local[:]...)
	return append(payload, peer[:]...), nil
}

// Fixed bring-up payloads, captured from live sessions. Their contents are
// opaque; only the feature mask byte of the flags payload is understood.
var (
	payloadHandshake       = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	payloadSetFeatureFlags = []byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0x00}
	payloadNotifications   = []byte{0xFF, 0xFF, 0xFF, 0xFF}
	payloadVendorInit      = []byte{0x01, 0x00, 0x00, 0x00}
)

// macBytes parses a colon-separated address into wire order (reversed
// relative to the textual form).
func macBytes(mac string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("%w: address %q", ErrMalformedPayload, mac)
	}
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return out, fmt.Errorf("%w: address %q", ErrMalformedPayload, mac)
		}
		out[5-i] = byte(v)
	}
	return out, nil
}

// macString formats 6 wire-order address bytes as colon-separated text.
func macString(wire []byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		wire[5], wire[4], wire[3], wire[2], wire[1], wire[0])
}

func equalMAC(a, b string) bool {
	return strings.EqualFold(a, b)
}
