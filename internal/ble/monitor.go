package ble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"aacpd/internal/ring"
)

const (
	bluezService = "org.bluez"
	adapterPath  = "/org/bluez/hci0"

	addressCacheSize = 1024
	telemetryBuffer  = 16
)

// Identity is one known device's resolving material, as persisted in the
// device registry. Keys are hex encoded; EncKey is empty until the proximity
// keys have been captured over an active session.
type Identity struct {
	MAC    string
	IRK    string
	EncKey string
}

// Directory supplies the known devices and their per-device preferences.
// Implementations are re-read on every report, so keys captured while the
// monitor runs take effect without a restart.
type Directory interface {
	Identities() []Identity
	AutoConnect(mac string) bool
}

// Connector brings up the classic link to a disconnected device.
type Connector func(ctx context.Context, mac string) error

// BluetoothctlConnect connects by shelling out to bluetoothctl.
// org.bluez.Device1.Connect stalls on some adapters when the buds are bonded
// to several hosts; the CLI path brings the link up reliably.
func BluetoothctlConnect(ctx context.Context, mac string) error {
	out, err := exec.CommandContext(ctx, "bluetoothctl", "connect", mac).CombinedOutput()
	if err != nil {
		return fmt.Errorf("bluetoothctl connect %s: %w: %s", mac, err, strings.TrimSpace(string(out)))
	}
	return nil
}

type MonitorConfig struct {
	Logger    logrus.FieldLogger
	Directory Directory
	Connector Connector // nil means BluetoothctlConnect
	Buffer    int       // telemetry channel capacity, default 16
}

// Monitor consumes LE advertisements from BlueZ, attributes Apple proximity
// reports to known devices by resolving their rotating addresses, and
// publishes decoded telemetry. Address verdicts are cached either way:
// a resolved address skips straight to decoding, one that matched no known
// identity is never checked again for the life of the monitor.
type Monitor struct {
	conn    *dbus.Conn
	log     logrus.FieldLogger
	dir     Directory
	connect Connector

	verified *lru.Cache[string, string]
	failed   *lru.Cache[string, struct{}]

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	telemetry *ring.Channel[Telemetry]
	signals   chan *dbus.Signal

	closeOnce sync.Once
	done      chan struct{}
}

func newMonitorCore(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Directory == nil {
		return nil, errors.New("monitor needs a device directory")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	connect := cfg.Connector
	if connect == nil {
		connect = BluetoothctlConnect
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = telemetryBuffer
	}

	verified, err := lru.New[string, string](addressCacheSize)
	if err != nil {
		return nil, err
	}
	failed, err := lru.New[string, struct{}](addressCacheSize)
	if err != nil {
		return nil, err
	}

	return &Monitor{
		log:       log,
		dir:       cfg.Directory,
		connect:   connect,
		verified:  verified,
		failed:    failed,
		inflight:  make(map[string]struct{}),
		telemetry: ring.New[Telemetry](buffer),
		signals:   make(chan *dbus.Signal, 64),
		done:      make(chan struct{}),
	}, nil
}

// NewMonitor connects to the system bus and prepares a monitor. Call Run to
// start consuming advertisements.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	m, err := newMonitorCore(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	m.conn = conn
	return m, nil
}

// Telemetry returns the decoded report stream. The channel holds the most
// recent reports; when a consumer falls behind the oldest are dropped. It is
// closed when the monitor stops.
func (m *Monitor) Telemetry() <-chan Telemetry {
	return m.telemetry.C()
}

// Run starts LE discovery and processes advertisements until ctx is
// cancelled or Close is called.
func (m *Monitor) Run(ctx context.Context) error {
	adapter := m.conn.Object(bluezService, adapterPath)

	filter := map[string]interface{}{
		"Transport": "le",
	}
	if err := adapter.Call("org.bluez.Adapter1.SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("set discovery filter: %w", err)
	}
	if err := adapter.Call("org.bluez.Adapter1.StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer func() {
		_ = adapter.Call("org.bluez.Adapter1.StopDiscovery", 0).Err
	}()

	rules := []string{
		"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='org.bluez.Device1'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
	}
	for _, rule := range rules {
		if err := m.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return fmt.Errorf("add match rule: %w", err)
		}
	}
	m.conn.Signal(m.signals)
	defer m.conn.RemoveSignal(m.signals)

	// Devices BlueZ already knows about will not re-announce until their
	// next advertisement, so seed from the current object tree.
	m.sweepExisting(ctx)

	m.log.Info("advertisement monitor running")
	defer m.telemetry.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case sig, ok := <-m.signals:
			if !ok {
				return nil
			}
			m.handleSignal(ctx, sig)
		}
	}
}

// Close stops a running monitor.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Monitor) sweepExisting(ctx context.Context) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := m.conn.Object(bluezService, "/").
		Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		m.log.WithError(err).Warn("managed objects sweep failed")
		return
	}

	for path, ifaces := range objects {
		props, ok := ifaces["org.bluez.Device1"]
		if !ok {
			continue
		}
		v, ok := props["ManufacturerData"]
		if !ok {
			continue
		}
		m.reportFromVariant(ctx, path, v)
	}
}

func (m *Monitor) handleSignal(ctx context.Context, sig *dbus.Signal) {
	switch sig.Name {
	case "org.freedesktop.DBus.Properties.PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != "org.bluez.Device1" {
			return
		}
		changes, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		if v, ok := changes["ManufacturerData"]; ok {
			m.reportFromVariant(ctx, sig.Path, v)
		}

	case "org.freedesktop.DBus.ObjectManager.InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		props, ok := ifaces["org.bluez.Device1"]
		if !ok {
			return
		}
		if v, ok := props["ManufacturerData"]; ok {
			m.reportFromVariant(ctx, path, v)
		}
	}
}

func (m *Monitor) reportFromVariant(ctx context.Context, path dbus.ObjectPath, v dbus.Variant) {
	mfg, ok := v.Value().(map[uint16]dbus.Variant)
	if !ok {
		return
	}
	apple, ok := mfg[AppleCompanyID]
	if !ok {
		return
	}
	data, ok := apple.Value().([]byte)
	if !ok {
		return
	}
	addr, ok := addressFromPath(path)
	if !ok {
		return
	}
	m.handleReport(ctx, addr, data)
}

// handleReport resolves the advertising address on the monitor task, then
// hands the report off so a slow decrypt or connect attempt never delays the
// next advertisement.
func (m *Monitor) handleReport(ctx context.Context, addr string, data []byte) {
	if len(data) < minReportLen || data[0] != proximityType {
		return
	}
	mac, ok := m.resolve(addr)
	if !ok {
		return
	}
	report := make([]byte, len(data))
	copy(report, data)
	go m.process(ctx, mac, addr, report)
}

// resolve maps a rotating advertising address to a known device MAC,
// consulting the verdict caches first.
func (m *Monitor) resolve(addr string) (string, bool) {
	if mac, ok := m.verified.Get(addr); ok {
		return mac, true
	}
	if m.failed.Contains(addr) {
		return "", false
	}

	for _, id := range m.dir.Identities() {
		irk, err := hex.DecodeString(id.IRK)
		if err != nil || len(irk) != blockSize {
			continue
		}
		ok, err := VerifyRPA(addr, irk)
		if err != nil {
			m.log.WithError(err).WithField("address", addr).Debug("address verification failed")
			continue
		}
		if ok {
			m.log.WithFields(logrus.Fields{"address": addr, "mac": id.MAC}).Info("resolved advertising address")
			m.verified.Add(addr, id.MAC)
			return id.MAC, true
		}
	}

	m.failed.Add(addr, struct{}{})
	m.log.WithField("address", addr).Debug("address matched no known device")
	return "", false
}

func (m *Monitor) process(ctx context.Context, mac, addr string, data []byte) {
	if data[connectionOffset] == 0x00 && m.dir.AutoConnect(mac) {
		m.reconnect(ctx, mac, addr)
	}

	t, err := m.decode(mac, data)
	if err != nil {
		m.log.WithError(err).WithField("mac", mac).Debug("undecodable report")
		return
	}
	t.MAC = mac
	t.Address = addr
	m.telemetry.Send(*t)
}

func (m *Monitor) decode(mac string, data []byte) (*Telemetry, error) {
	for _, id := range m.dir.Identities() {
		if !strings.EqualFold(id.MAC, mac) || id.EncKey == "" {
			continue
		}
		key, err := hex.DecodeString(id.EncKey)
		if err != nil || len(key) != blockSize {
			break
		}
		return DecodeTelemetry(data, key)
	}
	return DecodeReport(data)
}

// reconnect starts a connect attempt unless one is already in flight for
// this address. The address is only removed from the in-flight set on
// success: after a failure, retries wait for the next advertisement cycle
// rather than hammering the adapter.
func (m *Monitor) reconnect(ctx context.Context, mac, addr string) {
	if !m.claimInflight(addr) {
		m.log.WithField("mac", mac).Debug("connect already in flight")
		return
	}

	m.log.WithField("mac", mac).Info("accessory reports disconnected, connecting")
	if err := m.connect(ctx, mac); err != nil {
		m.log.WithError(err).WithField("mac", mac).Warn("connect attempt failed")
		return
	}
	m.releaseInflight(addr)
	m.log.WithField("mac", mac).Info("connect attempt succeeded")
}

func (m *Monitor) claimInflight(addr string) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, busy := m.inflight[addr]; busy {
		return false
	}
	m.inflight[addr] = struct{}{}
	return true
}

func (m *Monitor) releaseInflight(addr string) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	delete(m.inflight, addr)
}

func addressFromPath(path dbus.ObjectPath) (string, bool) {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return "", false
	}
	addr := strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
	if len(addr) != 17 {
		return "", false
	}
	return strings.ToUpper(addr), true
}
