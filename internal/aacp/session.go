// Package aacp implements the Apple Accessory Configuration Protocol (AACP)
// used by AirPods-class headsets over an L2CAP data channel.
//
// A Session owns one physical connection. One goroutine reads, decodes and
// routes inbound frames (it is the only writer of session state); a second
// drains the outbound command queue (it is the only consumer of the queue).
// All writes, queued or direct, are serialized on a mutex so at most one
// frame is in flight on the transport at a time.
//
// Inbound traffic fans out three ways: every decoded event goes to the
// broadcast stream returned by Events, control-command values additionally
// go to per-identifier subscriptions, and session state is updated so late
// readers can snapshot the latest picture with State.
//
// The protocol is reverse engineered. Opcodes, payload layouts and the
// bring-up sequence were captured from live traffic; unknown fields are
// carried opaquely rather than interpreted.
package aacp

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"aacpd/internal/ring"
)

// ErrSessionClosed is returned by operations on a torn-down session.
var ErrSessionClosed = errors.New("aacp: session closed")

const defaultEventBuffer = 64

// MediaController is the collaborator that acts on playback. The session
// calls it from the router goroutine; implementations should be quick and
// must never panic. A nil controller disables media actions.
type MediaController interface {
	HandleEarDetection(old, new EarState)
	HandleConversationalAwareness(active bool)
	PauseAll()
	DeactivateAudioProfile()
}

// FrameDirection tags observed frames.
type FrameDirection uint8

const (
	FrameIn FrameDirection = iota
	FrameOut
)

func (d FrameDirection) String() string {
	if d == FrameIn {
		return "in"
	}
	return "out"
}

// FrameObserver sees every frame that crosses the transport, after decode on
// the way in and after a successful write on the way out.
type FrameObserver interface {
	ObserveFrame(dir FrameDirection, op Opcode, payload []byte)
}

// SessionConfig carries the collaborators of a session. Zero values are
// usable: logging falls back to the standard logger, media and capture are
// optional.
type SessionConfig struct {
	// LocalMAC is the adapter address, excluded from hand-off announcements.
	LocalMAC string
	Logger   logrus.FieldLogger
	Media    MediaController
	Observer FrameObserver
	// OnProximityKeys receives keys the accessory supplies after the
	// handshake requested them. Called off the router goroutine.
	OnProximityKeys func([]ProximityKey)
	// SettleDelay overrides the pause between handshake steps.
	SettleDelay time.Duration
	// EventBuffer overrides the broadcast stream capacity.
	EventBuffer int
}

// Session is a live AACP connection to one accessory.
type Session struct {
	transport io.ReadWriteCloser
	log       logrus.FieldLogger
	localMAC  string
	media     MediaController
	observer  FrameObserver
	onKeys    func([]ProximityKey)
	settle    time.Duration

	state  *SessionState
	subs   *subscriptionRegistry
	events *ring.Channel[Event]
	disp   *dispatcher

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
	done      chan struct{}

	errMu    sync.Mutex
	firstErr error

	hsStarted atomic.Bool
	hsState   atomic.Int32

	// Router-local transition state, touched only by the read goroutine.
	lastEar     EarState
	haveEar     bool
	lastDevices []ConnectedDeviceInfo
}

// NewSession starts the read and drain goroutines over an open transport.
// The caller still has to run Handshake before the accessory reports
// anything useful.
func NewSession(transport io.ReadWriteCloser, cfg SessionConfig) *Session {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	s := &Session{
		transport: transport,
		log:       log,
		localMAC:  cfg.LocalMAC,
		media:     cfg.Media,
		observer:  cfg.Observer,
		onKeys:    cfg.OnProximityKeys,
		settle:    settle,
		state:     newSessionState(),
		subs:      newSubscriptionRegistry(),
		events:    ring.New[Event](buffer),
		closed:    make(chan struct{}),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.disp = newDispatcher(log, s.send)

	go s.readLoop()
	go s.disp.run(s.closed)
	go s.reap()
	return s
}

// Events returns the broadcast stream. It is bounded; when no one listens or
// a listener lags, the oldest events are dropped. Closed on teardown.
func (s *Session) Events() <-chan Event {
	return s.events.C()
}

// Subscribe registers for the raw values of the given control-command
// identifiers. The identifiers must be distinct.
func (s *Session) Subscribe(ids ...ControlCommandID) (*Subscription, error) {
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}
	return s.subs.subscribe(ids...)
}

// State returns a point-in-time snapshot of the session state.
func (s *Session) State() StateSnapshot {
	return s.state.Snapshot()
}

// ControlValue returns the last observed value of one control command.
func (s *Session) ControlValue(id ControlCommandID) ([]byte, bool) {
	return s.state.ControlValue(id)
}

// SetControlCommand queues a set for delivery in enqueue order. It never
// blocks; when the queue is full the command is rejected with ErrQueueFull.
func (s *Session) SetControlCommand(id ControlCommandID, value []byte) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	return s.disp.enqueue(OpcodeControlCommand, EncodeSetControlCommand(id, value))
}

// GetControlCommand queues a value request; the accessory answers with a
// ControlCommand packet that updates state and subscriptions.
func (s *Session) GetControlCommand(id ControlCommandID) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	return s.disp.enqueue(OpcodeControlCommand, EncodeGetControlCommand(id))
}

// Rename asks the accessory to change its advertised name.
func (s *Session) Rename(name string) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	payload, err := EncodeRename(name)
	if err != nil {
		return err
	}
	return s.disp.enqueue(OpcodeRename, payload)
}

// Close tears the session down and waits until both goroutines have stopped
// and every subscriber channel is released.
func (s *Session) Close() error {
	s.shutdown()
	<-s.done
	return nil
}

// Done closes once teardown has finished, whether triggered by Close or by
// a transport failure.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the transport error that killed the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Session) closedErr() error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
		return nil
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.transport.Close(); err != nil {
			s.log.WithError(err).Debug("transport close")
		}
	})
}

// reap finishes teardown once both worker goroutines have exited.
func (s *Session) reap() {
	<-s.readDone
	<-s.disp.done
	s.subs.closeAll()
	s.events.Close()
	close(s.done)
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

// send frames and writes one packet. The mutex keeps handshake, queued and
// hand-off writes from interleaving on the transport.
func (s *Session) send(op Opcode, payload []byte) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	frame, err := Encode(op, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	_, err = s.transport.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("aacp: write %s: %w", op, err)
	}
	if s.observer != nil {
		s.observer.ObserveFrame(FrameOut, op, payload)
	}
	return nil
}

// readLoop is the router: it owns session state and the inbound half of the
// transport. Malformed frames are dropped; a read error tears the session
// down.
func (s *Session) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, 2048)
	for {
		n, err := s.transport.Read(buf)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.setErr(err)
				s.log.WithError(err).Error("session read failed")
			}
			s.shutdown()
			return
		}
		pkt, err := Decode(buf[:n])
		if err != nil {
			s.log.WithError(err).Debug("dropping malformed frame")
			continue
		}
		if s.observer != nil {
			s.observer.ObserveFrame(FrameIn, pkt.Opcode, pkt.Payload)
		}
		s.route(pkt)
	}
}

func (s *Session) route(pkt Packet) {
	switch pkt.Opcode {
	case OpcodeBatteryState:
		readings, err := ParseBatteryState(pkt.Payload)
		if err != nil {
			s.log.WithError(err).Debug("dropping battery packet")
			return
		}
		s.state.applyBattery(readings)
		s.publish(BatteryEvent{Readings: readings})

	case OpcodeEarDetection:
		state, err := ParseEarDetection(pkt.Payload)
		if err != nil {
			s.log.WithError(err).Debug("dropping ear detection packet")
			return
		}
		old := state
		if s.haveEar {
			old = s.lastEar
		}
		s.lastEar, s.haveEar = state, true
		if s.media != nil {
			s.media.HandleEarDetection(old, state)
		}
		s.publish(EarDetectionEvent{Old: old, New: state})

	case OpcodeControlCommand:
		status, err := ParseControlCommand(pkt.Payload)
		if err != nil {
			s.log.WithError(err).Debug("dropping control command packet")
			return
		}
		s.state.applyControl(status)
		if status.Identifier == ControlOwnsConnection {
			owns := len(status.Value) > 0 && status.Value[0] != 0
			s.state.setOwnership(owns)
			if !owns {
				s.log.Info("lost connection ownership, pausing media")
				s.pauseAndDeactivate()
			}
		}
		s.subs.publish(status)
		s.publish(ControlCommandEvent{Status: status})

	case OpcodeConversationAware:
		active, err := ParseConversationAwareness(pkt.Payload)
		if err != nil {
			s.log.WithError(err).Debug("dropping conversation awareness packet")
			return
		}
		s.state.setConversation(active)
		if s.media != nil {
			s.media.HandleConversationalAwareness(active)
		}
		s.publish(ConversationAwarenessEvent{Active: active})

	case OpcodeConnectedDevices:
		devices, err := ParseConnectedDevices(pkt.Payload)
		if err != nil {
			s.log.WithError(err).Debug("dropping connected devices packet")
			return
		}
		old := s.lastDevices
		s.lastDevices = devices
		for _, peer := range diffPeers(old, devices, s.localMAC) {
			s.log.WithField("peer", peer.MAC).Info("new peer on accessory, announcing media session")
			go s.announcePeer(peer.MAC)
		}
		s.publish(ConnectedDevicesEvent{Old: old, New: devices})

	case OpcodeProximityKeysResponse:
		keys, err := ParseProximityKeys(pkt.Payload)
		if err != nil {
			s.log.WithError(err).Debug("dropping proximity keys packet")
			return
		}
		s.log.WithField("count", len(keys)).Debug("received proximity keys")
		if s.onKeys != nil {
			go s.onKeys(keys)
		}

	case OpcodeOwnershipRequest:
		s.log.Info("accessory requested ownership release")
		if err := s.disp.enqueue(OpcodeControlCommand,
			EncodeSetControlCommand(ControlOwnsConnection, []byte{0x00})); err != nil {
			s.log.WithError(err).Error("queueing ownership release")
		}
		s.pauseAndDeactivate()
		s.publish(OwnershipRequestEvent{})

	default:
		s.log.WithField("opcode", pkt.Opcode).Debug("unhandled packet")
	}
}

func (s *Session) publish(ev Event) {
	s.events.Send(ev)
}

func (s *Session) pauseAndDeactivate() {
	if s.media == nil {
		return
	}
	s.media.PauseAll()
	s.media.DeactivateAudioProfile()
}

// announcePeer runs off the router goroutine: hand-off announcements must
// not hold up inbound event processing.
func (s *Session) announcePeer(peerMAC string) {
	payload, err := EncodeMediaInformation(s.localMAC, peerMAC)
	if err != nil {
		s.log.WithError(err).WithField("peer", peerMAC).Error("encoding media information")
		return
	}
	if err := s.send(OpcodeMediaInformation, payload); err != nil {
		s.log.WithError(err).WithField("peer", peerMAC).Error("sending media information")
	}
	payload, err = EncodeAddPeerDevice(s.localMAC, peerMAC)
	if err != nil {
		s.log.WithError(err).WithField("peer", peerMAC).Error("encoding add peer")
		return
	}
	if err := s.send(OpcodeAddPeerDevice, payload); err != nil {
		s.log.WithError(err).WithField("peer", peerMAC).Error("sending add peer")
	}
}

// diffPeers returns the entries of current that are not in previous,
// skipping the local adapter.
func diffPeers(previous, current []ConnectedDeviceInfo, localMAC string) []ConnectedDeviceInfo {
	var fresh []ConnectedDeviceInfo
	for _, candidate := range current {
		if equalMAC(candidate.MAC, localMAC) {
			continue
		}
		known := false
		for _, existing := range previous {
			if equalMAC(existing.MAC, candidate.MAC) {
				known = true
				break
			}
		}
		if !known {
			fresh = append(fresh, candidate)
		}
	}
	return fresh
}
