package aacp

import (
	"context"
	"errors"
	"time"
)

// HandshakeState tracks the bring-up sequence of a session.
type HandshakeState int32

const (
	HandshakeIdle HandshakeState = iota
	HandshakeSent
	HandshakeFeatureFlagsSent
	HandshakeNotificationsRequested
	HandshakeInitPacketSent
	HandshakeProximityKeysRequested
	HandshakeReady
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "Idle"
	case HandshakeSent:
		return "HandshakeSent"
	case HandshakeFeatureFlagsSent:
		return "FeatureFlagsSent"
	case HandshakeNotificationsRequested:
		return "NotificationsRequested"
	case HandshakeInitPacketSent:
		return "InitPacketSent"
	case HandshakeProximityKeysRequested:
		return "ProximityKeysRequested"
	case HandshakeReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// ErrHandshakeStarted is returned by Handshake after the first call; a
// session runs the bring-up sequence exactly once.
var ErrHandshakeStarted = errors.New("aacp: handshake already started")

const defaultSettleDelay = 100 * time.Millisecond

type handshakeStep struct {
	name string
	op   Opcode
	next HandshakeState
}

var handshakeSteps = []handshakeStep{
	{"handshake", OpcodeHandshake, HandshakeSent},
	{"set feature flags", OpcodeSetFeatureFlags, HandshakeFeatureFlagsSent},
	{"request notifications", OpcodeRequestNotifications, HandshakeNotificationsRequested},
	{"vendor init", OpcodeVendorInit, HandshakeInitPacketSent},
	{"request proximity keys", OpcodeProximityKeysRequest, HandshakeProximityKeysRequested},
}

func handshakePayload(op Opcode) []byte {
	switch op {
	case OpcodeHandshake:
		return payloadHandshake
	case OpcodeSetFeatureFlags:
		return payloadSetFeatureFlags
	case OpcodeRequestNotifications:
		return payloadNotifications
	case OpcodeVendorInit:
		return payloadVendorInit
	case OpcodeProximityKeysRequest:
		return EncodeProximityKeysRequest(ProximityKeyIRK, ProximityKeyEncKey)
	default:
		return nil
	}
}

// Handshake runs the fixed bring-up sequence: each step issues one write and
// settles briefly before the next. The steps are not acknowledged by the
// accessory, and a failed step does not stop the sequence; devices routinely
// become usable after a dropped init packet, so the sequencer logs the
// failure and moves on. Only session teardown or context cancellation aborts.
func (s *Session) Handshake(ctx context.Context) error {
	if !s.hsStarted.CompareAndSwap(false, true) {
		return ErrHandshakeStarted
	}
	for _, step := range handshakeSteps {
		s.log.WithField("step", step.name).Debug("handshake step")
		if err := s.send(step.op, handshakePayload(step.op)); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return err
			}
			s.log.WithError(err).WithField("step", step.name).Warn("handshake step failed, continuing")
		}
		s.hsState.Store(int32(step.next))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrSessionClosed
		case <-time.After(s.settle):
		}
	}
	s.hsState.Store(int32(HandshakeReady))
	s.log.Info("handshake complete")
	return nil
}

// HandshakeState reports how far the bring-up sequence has progressed.
func (s *Session) HandshakeState() HandshakeState {
	return HandshakeState(s.hsState.Load())
}
