// Package daemon wires the pieces into the long-running process: the
// connection supervisor hands it attached devices, each one gets an AACP
// session over L2CAP, the BLE monitor feeds telemetry on the side, and a
// control API over a unix socket serves the CLI.
package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"aacpd/internal/aacp"
	"aacpd/internal/ble"
	"aacpd/internal/bluez"
	"aacpd/internal/capture"
	"aacpd/internal/l2cap"
	"aacpd/internal/media"
	"aacpd/internal/registry"
	"aacpd/internal/util"
)

// Daemon owns the collaborators and at most one session per device.
type Daemon struct {
	cfg   Config
	log   logrus.FieldLogger
	store *registry.Store

	system     *dbus.Conn
	sessionBus *dbus.Conn

	adapter  *bluez.Adapter
	sup      *bluez.Supervisor
	provider *bluez.BatteryProvider
	monitor  *ble.Monitor

	localMAC string

	mu        sync.Mutex
	sessions  map[string]*deviceSession
	telemetry map[string]ble.Telemetry
}

// deviceSession is one attached device and everything tied to its lifetime.
type deviceSession struct {
	mac     string
	name    string
	session *aacp.Session
	capture *capture.Writer
	cancel  context.CancelFunc
}

// storeDirectory adapts the registry to the BLE monitor's directory view.
type storeDirectory struct {
	store *registry.Store
}

func (d storeDirectory) Identities() []ble.Identity {
	records := d.store.Records()
	ids := make([]ble.Identity, 0, len(records))
	for mac, rec := range records {
		if rec.LE.IRK == "" {
			continue
		}
		ids = append(ids, ble.Identity{MAC: mac, IRK: rec.LE.IRK, EncKey: rec.LE.EncKey})
	}
	return ids
}

func (d storeDirectory) AutoConnect(mac string) bool {
	return d.store.AutoConnect(mac)
}

// New assembles a daemon. The session bus is optional; without it media
// control degrades to profile deactivation only.
func New(cfg Config, log logrus.FieldLogger) (*Daemon, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	store, err := registry.Open(log)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	system, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	sessionBus, err := dbus.ConnectSessionBus()
	if err != nil {
		log.WithError(err).Warn("session bus unavailable, media control disabled")
		sessionBus = nil
	}

	adapter := bluez.NewAdapter(system, log, cfg.AdapterPath)
	provider, err := bluez.NewBatteryProvider(system, log, adapter.Path())
	if err != nil {
		system.Close()
		return nil, fmt.Errorf("battery provider: %w", err)
	}

	monitor, err := ble.NewMonitor(ble.MonitorConfig{
		Logger:    log,
		Directory: storeDirectory{store: store},
		Connector: reconnectCommand(cfg.ReconnectCommand),
	})
	if err != nil {
		system.Close()
		return nil, fmt.Errorf("advertisement monitor: %w", err)
	}

	return &Daemon{
		cfg:        cfg,
		log:        log,
		store:      store,
		system:     system,
		sessionBus: sessionBus,
		adapter:    adapter,
		sup:        bluez.NewSupervisor(system, log, adapter),
		provider:   provider,
		monitor:    monitor,
		sessions:   make(map[string]*deviceSession),
		telemetry:  make(map[string]ble.Telemetry),
	}, nil
}

// reconnectCommand builds the monitor's connector around the configured
// CLI tool. The in-process BlueZ Connect call stalls on some adapters, so
// reconnects go through an external command on purpose.
func reconnectCommand(command string) ble.Connector {
	if command == "" || command == "bluetoothctl" {
		return ble.BluetoothctlConnect
	}
	return func(ctx context.Context, mac string) error {
		out, err := exec.CommandContext(ctx, command, "connect", mac).CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s connect %s: %w: %s", command, mac, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

// Run blocks until the context is cancelled or a collaborator fails hard.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.adapter.EnsurePowered(); err != nil {
		d.log.WithError(err).Warn("could not power adapter")
	}
	if mac, err := d.adapter.Address(); err == nil {
		d.localMAC = mac
		d.log.WithField("mac", mac).Info("adapter ready")
	} else {
		d.log.WithError(err).Warn("adapter address unavailable")
	}

	if err := d.provider.Register(); err != nil {
		d.log.WithError(err).Warn("battery provider registration failed, running without")
	}
	defer d.provider.Close()

	listener, err := d.listenControl()
	if err != nil {
		return err
	}
	server := &http.Server{Handler: d.controlMux()}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.WithError(err).Error("control server")
		}
	}()
	defer func() {
		server.Close()
		os.Remove(d.cfg.SocketPath)
	}()
	d.log.WithField("socket", d.cfg.SocketPath).Info("control API listening")

	fatal := make(chan error, 2)
	go func() { fatal <- d.sup.Run(ctx) }()
	go func() { fatal <- d.monitor.Run(ctx) }()
	go d.pumpConnEvents(ctx)
	go d.pumpTelemetry()

	// Devices that attached before the daemon started never produce a
	// Connected transition, so sweep once.
	if devices, err := d.adapter.ConnectedAACPDevices(); err == nil {
		for _, dev := range devices {
			go d.attach(ctx, dev.MAC, dev.Name)
		}
	} else {
		d.log.WithError(err).Warn("startup device sweep failed")
	}

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-fatal:
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.WithError(err).Error("collaborator failed")
			runErr = err
		}
	}

	cancel()
	d.closeSessions()
	return runErr
}

func (d *Daemon) listenControl() (net.Listener, error) {
	// A stale socket from an unclean shutdown blocks the bind.
	if _, err := os.Stat(d.cfg.SocketPath); err == nil {
		os.Remove(d.cfg.SocketPath)
	}
	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", d.cfg.SocketPath, err)
	}
	return listener, nil
}

func (d *Daemon) pumpConnEvents(ctx context.Context) {
	for ev := range d.sup.Events() {
		if ev.Connected {
			d.log.WithFields(logrus.Fields{"mac": ev.MAC, "name": ev.Name}).Info("device connected")
			go d.attach(ctx, ev.MAC, ev.Name)
		} else {
			d.detach(ev.MAC)
		}
	}
}

func (d *Daemon) pumpTelemetry() {
	for tel := range d.monitor.Telemetry() {
		d.mu.Lock()
		d.telemetry[tel.MAC] = tel
		d.mu.Unlock()
		d.log.WithFields(logrus.Fields{
			"mac":       tel.MAC,
			"decrypted": tel.Decrypted,
		}).Debug("telemetry update")
	}
}

// attach dials the control channel and brings up a session. Safe to call
// redundantly; only the first caller per MAC proceeds.
func (d *Daemon) attach(ctx context.Context, mac, name string) {
	mac = strings.ToUpper(mac)

	ds := &deviceSession{mac: mac, name: name}
	d.mu.Lock()
	if _, ok := d.sessions[mac]; ok {
		d.mu.Unlock()
		return
	}
	d.sessions[mac] = ds
	d.mu.Unlock()

	log := d.log.WithField("mac", mac)
	conn, err := l2cap.Dial(mac)
	if err != nil {
		log.WithError(err).Warn("control channel dial failed")
		d.remove(mac, ds)
		return
	}

	if err := d.store.Remember(mac, name, registry.LEKeys{}); err != nil {
		log.WithError(err).Warn("persisting device record failed")
	}

	var mediaCtl aacp.MediaController
	var controller *media.Controller
	if d.sessionBus != nil {
		controller = media.NewController(d.sessionBus, d.log, d.adapter, mac)
		mediaCtl = controller
	}

	sessionCfg := aacp.SessionConfig{
		LocalMAC:    d.localMAC,
		Logger:      log,
		Media:       mediaCtl,
		SettleDelay: d.cfg.SettleDelay,
		OnProximityKeys: func(keys []aacp.ProximityKey) {
			d.persistKeys(mac, keys)
		},
	}
	if d.cfg.CapturePath != "" {
		if w, err := capture.NewWriter(captureFile(d.cfg.CapturePath, mac), mac); err == nil {
			ds.capture = w
			sessionCfg.Observer = w
		} else {
			log.WithError(err).Warn("frame capture disabled")
		}
	}

	session := aacp.NewSession(conn, sessionCfg)
	watchCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	ds.session = session
	ds.cancel = cancel
	d.mu.Unlock()

	go d.pumpSessionEvents(mac, session)
	d.watchControlStatus(mac, session)
	if controller != nil {
		go d.watchPlayback(watchCtx, controller, session)
	}
	go func() {
		if err := session.Handshake(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("handshake did not complete")
		}
	}()

	<-session.Done()
	if err := session.Err(); err != nil {
		log.WithError(err).Info("session ended")
	} else {
		log.Info("session closed")
	}
	cancel()
	if ds.capture != nil {
		ds.capture.Close()
	}
	if err := d.provider.Remove(mac); err != nil {
		log.WithError(err).Debug("battery withdraw failed")
	}
	d.remove(mac, ds)
}

func (d *Daemon) pumpSessionEvents(mac string, session *aacp.Session) {
	log := d.log.WithField("mac", mac)
	for ev := range session.Events() {
		switch ev := ev.(type) {
		case aacp.BatteryEvent:
			if pct, ok := budPercentage(ev.Readings); ok {
				if err := d.provider.Update(mac, pct); err != nil {
					log.WithError(err).Debug("battery export failed")
				}
			}
		case aacp.ControlCommandEvent:
			log.WithFields(logrus.Fields{
				"identifier": ev.Status.Identifier.String(),
				"value":      hex.EncodeToString(ev.Status.Value),
			}).Debug("control status")
		case aacp.EarDetectionEvent:
			log.WithField("state", ev.New.String()).Debug("ear detection")
		case aacp.OwnershipRequestEvent:
			log.Info("another host took the audio connection")
		}
	}
}

// watchControlStatus subscribes to the configuration identifiers the daemon
// cares about and surfaces their changes. The router already folds every
// status into session state for the control API; the subscription exists so
// a change made from another device still shows up in the log at a visible
// level.
func (d *Daemon) watchControlStatus(mac string, session *aacp.Session) {
	sub, err := session.Subscribe(aacp.ControlListeningMode, aacp.ControlAllowOffOption,
		aacp.ControlConversationMode, aacp.ControlOwnsConnection)
	if err != nil {
		d.log.WithField("mac", mac).WithError(err).Warn("control subscription failed")
		return
	}
	go d.pumpControlStatus(mac, sub)
}

func (d *Daemon) pumpControlStatus(mac string, sub *aacp.Subscription) {
	log := d.log.WithField("mac", mac)
	for status := range sub.C() {
		entry := log.WithField("identifier", status.Identifier.String())
		if status.Identifier == aacp.ControlListeningMode && len(status.Value) == 1 {
			entry = entry.WithField("mode", aacp.ListeningMode(status.Value[0]).String())
		} else {
			entry = entry.WithField("value", hex.EncodeToString(status.Value))
		}
		entry.Info("accessory preference changed")
	}
}

// watchPlayback claims the audio connection back when something starts
// playing locally while another host owns it.
func (d *Daemon) watchPlayback(ctx context.Context, controller *media.Controller, session *aacp.Session) {
	err := controller.WatchPlayback(ctx, func() {
		if session.State().Ownership {
			return
		}
		d.log.Info("local playback started, claiming audio connection")
		if err := session.SetControlCommand(aacp.ControlOwnsConnection, []byte{0x01}); err != nil {
			d.log.WithError(err).Debug("ownership claim failed")
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.WithError(err).Debug("playback watcher stopped")
	}
}

func (d *Daemon) persistKeys(mac string, keys []aacp.ProximityKey) {
	var le registry.LEKeys
	for _, key := range keys {
		switch key.Type {
		case aacp.ProximityKeyIRK:
			le.IRK = hex.EncodeToString(key.Bytes)
		case aacp.ProximityKeyEncKey:
			le.EncKey = hex.EncodeToString(key.Bytes)
		}
	}
	if le.IRK == "" && le.EncKey == "" {
		return
	}
	if err := d.store.Remember(mac, "", le); err != nil {
		d.log.WithError(err).WithField("mac", mac).Warn("persisting keys failed")
		return
	}
	d.log.WithField("mac", mac).Info("advertisement keys captured")
}

func (d *Daemon) detach(mac string) {
	mac = strings.ToUpper(mac)
	d.mu.Lock()
	ds := d.sessions[mac]
	d.mu.Unlock()
	if ds == nil || ds.session == nil {
		return
	}
	d.log.WithField("mac", mac).Info("device disconnected")
	ds.session.Close()
}

func (d *Daemon) remove(mac string, ds *deviceSession) {
	d.mu.Lock()
	if d.sessions[mac] == ds {
		delete(d.sessions, mac)
	}
	d.mu.Unlock()
}

func (d *Daemon) closeSessions() {
	d.mu.Lock()
	sessions := make([]*deviceSession, 0, len(d.sessions))
	for _, ds := range d.sessions {
		sessions = append(sessions, ds)
	}
	d.mu.Unlock()

	for _, ds := range sessions {
		if ds.session != nil {
			ds.session.Close()
		}
	}
	d.monitor.Close()
	d.sup.Close()
}

// budPercentage folds a battery report into the single figure BlueZ can
// show: the weaker bud, the headphone reading for single-unit devices, or
// the case when nothing else reports.
func budPercentage(readings []aacp.BatteryReading) (uint8, bool) {
	var left, right, caseLvl *uint8
	for _, r := range readings {
		switch r.Component {
		case aacp.ComponentHeadphone:
			if r.Level != nil {
				return *r.Level, true
			}
		case aacp.ComponentLeft:
			left = r.Level
		case aacp.ComponentRight:
			right = r.Level
		case aacp.ComponentCase:
			caseLvl = r.Level
		}
	}
	if left == nil && right == nil {
		if caseLvl != nil {
			return *caseLvl, true
		}
		return 0, false
	}
	return util.MinOr(left, right, 0), true
}

// captureFile derives a per-device capture path from the configured one.
func captureFile(base, mac string) string {
	suffix := strings.ToLower(strings.ReplaceAll(mac, ":", ""))
	if i := strings.LastIndex(base, "."); i > strings.LastIndex(base, "/") {
		return base[:i] + "-" + suffix + base[i:]
	}
	return base + "-" + suffix
}
