package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const connEventBuffer = 16

// ConnEvent reports a device attaching to or detaching from the adapter.
// Name is only filled on connect.
type ConnEvent struct {
	MAC       string
	Name      string
	Connected bool
}

// Supervisor watches org.bluez.Device1 Connected transitions and reports
// the ones involving AACP capable devices. The daemon reacts to a connect
// by dialing the control channel; disconnects are advisory since a dropped
// link also surfaces as a session read failure.
type Supervisor struct {
	conn    *dbus.Conn
	log     logrus.FieldLogger
	adapter *Adapter

	events    chan ConnEvent
	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

// NewSupervisor wires a supervisor to the shared system bus connection.
func NewSupervisor(conn *dbus.Conn, log logrus.FieldLogger, adapter *Adapter) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{
		conn:    conn,
		log:     log,
		adapter: adapter,
		events:  make(chan ConnEvent, connEventBuffer),
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
	}
}

// Events delivers connection transitions. Closed when Run returns.
func (s *Supervisor) Events() <-chan ConnEvent {
	return s.events
}

// Run blocks watching for transitions until the context is cancelled or
// Close is called.
func (s *Supervisor) Run(ctx context.Context) error {
	rule := "type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='org.bluez.Device1'"
	if err := s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("add match rule: %w", err)
	}
	s.conn.Signal(s.signals)
	defer s.conn.RemoveSignal(s.signals)
	defer close(s.events)

	s.log.Info("connection supervisor running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case sig, ok := <-s.signals:
			if !ok {
				return nil
			}
			s.handleSignal(sig)
		}
	}
}

// Close stops a running supervisor.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Supervisor) handleSignal(sig *dbus.Signal) {
	path, connected, ok := decodeConnectedChange(sig)
	if !ok {
		return
	}
	mac, ok := MACFromPath(path)
	if !ok {
		return
	}

	if !connected {
		s.emit(ConnEvent{MAC: mac})
		return
	}

	// Only announce devices that actually speak the protocol. The UUID
	// list is populated by the time Connected flips.
	variant, err := s.adapter.deviceProperty(path, "UUIDs")
	if err != nil {
		s.log.WithError(err).WithField("mac", mac).Debug("uuid lookup failed")
		return
	}
	uuids, _ := variant.Value().([]string)
	if !HasAACPService(uuids) {
		return
	}

	name := "Unknown"
	if variant, err := s.adapter.deviceProperty(path, "Name"); err == nil {
		if v, ok := variant.Value().(string); ok {
			name = v
		}
	}
	if variant, err := s.adapter.deviceProperty(path, "Address"); err == nil {
		if v, ok := variant.Value().(string); ok {
			mac = v
		}
	}

	s.emit(ConnEvent{MAC: mac, Name: name, Connected: true})
}

func (s *Supervisor) emit(ev ConnEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// decodeConnectedChange extracts a Connected transition from a raw
// PropertiesChanged signal, if the signal carries one.
func decodeConnectedChange(sig *dbus.Signal) (dbus.ObjectPath, bool, bool) {
	if sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" || len(sig.Body) < 2 {
		return "", false, false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != deviceIface {
		return "", false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false, false
	}
	variant, ok := changed["Connected"]
	if !ok {
		return "", false, false
	}
	connected, ok := variant.Value().(bool)
	if !ok {
		return "", false, false
	}
	return sig.Path, connected, true
}
