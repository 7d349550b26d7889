package aacp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies the role of an AACP packet. The numeric values are
// opaque; they were captured from live traffic and are not documented by the
// vendor.
type Opcode uint16

const (
	OpcodeHandshake             Opcode = 0x0001
	OpcodeBatteryState          Opcode = 0x0004
	OpcodeEarDetection          Opcode = 0x0006
	OpcodeControlCommand        Opcode = 0x0009
	OpcodeRequestNotifications  Opcode = 0x000F
	OpcodeRename                Opcode = 0x001A
	OpcodeVendorInit            Opcode = 0x001D
	OpcodeProximityKeysRequest  Opcode = 0x0030
	OpcodeProximityKeysResponse Opcode = 0x0031
	OpcodeMediaInformation      Opcode = 0x0036
	OpcodeConnectedDevices      Opcode = 0x0037
	OpcodeAddPeerDevice         Opcode = 0x0038
	OpcodeOwnershipRequest      Opcode = 0x0041
	OpcodeConversationAware     Opcode = 0x004B
	OpcodeSetFeatureFlags       Opcode = 0x004D
)

func (o Opcode) String() string {
	switch o {
	case OpcodeHandshake:
		return "Handshake"
	case OpcodeBatteryState:
		return "BatteryState"
	case OpcodeEarDetection:
		return "EarDetection"
	case OpcodeControlCommand:
		return "ControlCommand"
	case OpcodeRequestNotifications:
		return "RequestNotifications"
	case OpcodeRename:
		return "Rename"
	case OpcodeVendorInit:
		return "VendorInit"
	case OpcodeProximityKeysRequest:
		return "ProximityKeysRequest"
	case OpcodeProximityKeysResponse:
		return "ProximityKeysResponse"
	case OpcodeMediaInformation:
		return "MediaInformation"
	case OpcodeConnectedDevices:
		return "ConnectedDevices"
	case OpcodeAddPeerDevice:
		return "AddPeerDevice"
	case OpcodeOwnershipRequest:
		return "OwnershipRequest"
	case OpcodeConversationAware:
		return "ConversationAwareness"
	case OpcodeSetFeatureFlags:
		return "SetFeatureFlags"
	default:
		return fmt.Sprintf("Opcode(0x%04X)", uint16(o))
	}
}

// Frame layout: 4-byte preamble 04 00 04 00, little-endian uint16 opcode,
// little-endian uint16 payload length, payload bytes. The L2CAP transport is
// SOCK_SEQPACKET, so one read yields one whole frame.
var framePreamble = [4]byte{0x04, 0x00, 0x04, 0x00}

const (
	frameHeaderLen = 8

	// MaxPayload bounds the declared payload length. Anything larger than
	// the L2CAP MTU is not a frame this protocol produces.
	MaxPayload = 1024
)

var (
	ErrFrameTruncated  = errors.New("aacp: frame shorter than header")
	ErrFramePreamble   = errors.New("aacp: bad frame preamble")
	ErrPayloadLength   = errors.New("aacp: declared payload length exceeds frame")
	ErrPayloadTooLarge = errors.New("aacp: payload exceeds maximum size")
)

// Packet is a decoded AACP frame. The payload is owned by the packet; it
// never aliases the buffer Decode was called with.
type Packet struct {
	Opcode  Opcode
	Payload []byte
}

func (p Packet) String() string {
	return fmt.Sprintf("%s (% X)", p.Opcode, p.Payload)
}

// Encode frames a payload under the given opcode.
func Encode(op Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	frame := make([]byte, frameHeaderLen+len(payload))
	copy(frame, framePreamble[:])
	binary.LittleEndian.PutUint16(frame[4:6], uint16(op))
	binary.LittleEndian.PutUint16(frame[6:8], uint16(len(payload)))
	copy(frame[frameHeaderLen:], payload)
	return frame, nil
}

// Decode parses one frame. Trailing bytes beyond the declared payload length
// are ignored; some firmware revisions pad frames to fixed sizes.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < frameHeaderLen {
		return Packet{}, fmt.Errorf("%w: got %d bytes", ErrFrameTruncated, len(frame))
	}
	if !bytes.Equal(frame[:4], framePreamble[:]) {
		return Packet{}, fmt.Errorf("%w: % X", ErrFramePreamble, frame[:4])
	}
	op := Opcode(binary.LittleEndian.Uint16(frame[4:6]))
	n := int(binary.LittleEndian.Uint16(frame[6:8]))
	if n > MaxPayload {
		return Packet{}, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, n)
	}
	if frameHeaderLen+n > len(frame) {
		return Packet{}, fmt.Errorf("%w: declared %d, remaining %d", ErrPayloadLength, n, len(frame)-frameHeaderLen)
	}
	payload := make([]byte, n)
	copy(payload, frame[frameHeaderLen:frameHeaderLen+n])
	return Packet{Opcode: op, Payload: payload}, nil
}
