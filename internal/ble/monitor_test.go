package ble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	mu    sync.Mutex
	ids   []Identity
	auto  map[string]bool
	reads int
}

func (d *fakeDirectory) Identities() []Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	return d.ids
}

func (d *fakeDirectory) AutoConnect(mac string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.auto[mac]; ok {
		return v
	}
	return true
}

func (d *fakeDirectory) readCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

const sampleMAC = "F0:18:98:10:20:30"

func sampleDirectory(encKey string) *fakeDirectory {
	return &fakeDirectory{
		ids: []Identity{{MAC: sampleMAC, IRK: sampleIRK, EncKey: encKey}},
	}
}

func coreMonitor(t *testing.T, cfg MonitorConfig) *Monitor {
	t.Helper()
	m, err := newMonitorCore(cfg)
	require.NoError(t, err)
	return m
}

func TestMonitorResolveCachesVerdicts(t *testing.T) {
	dir := sampleDirectory("")
	m := coreMonitor(t, MonitorConfig{Directory: dir})

	mac, ok := m.resolve(sampleRPA)
	require.True(t, ok)
	assert.Equal(t, sampleMAC, mac)
	assert.Equal(t, 1, dir.readCount())

	_, ok = m.resolve(sampleRPA)
	require.True(t, ok)
	assert.Equal(t, 1, dir.readCount(), "verified address must not be re-verified")

	_, ok = m.resolve("70:81:94:0D:FB:AB")
	require.False(t, ok)
	assert.Equal(t, 2, dir.readCount())

	_, ok = m.resolve("70:81:94:0D:FB:AB")
	require.False(t, ok)
	assert.Equal(t, 2, dir.readCount(), "failed address must not be re-verified")
}

func TestMonitorResolveSkipsUnusableKeys(t *testing.T) {
	dir := &fakeDirectory{
		ids: []Identity{
			{MAC: "11:11:11:11:11:11", IRK: "zz"},
			{MAC: "22:22:22:22:22:22", IRK: "aabb"},
			{MAC: sampleMAC, IRK: sampleIRK},
		},
	}
	m := coreMonitor(t, MonitorConfig{Directory: dir})

	mac, ok := m.resolve(sampleRPA)
	require.True(t, ok, "good identity after unusable ones must still match")
	assert.Equal(t, sampleMAC, mac)
}

func TestMonitorProcessPublishesDecryptedTelemetry(t *testing.T) {
	dir := sampleDirectory(fixtureKey)
	m := coreMonitor(t, MonitorConfig{Directory: dir})

	data := buildReport(0x00, 0x05, fromHex(t, fixtureEncrypted))
	m.process(context.Background(), sampleMAC, sampleRPA, data)

	select {
	case tel := <-m.Telemetry():
		assert.True(t, tel.Decrypted)
		assert.Equal(t, sampleMAC, tel.MAC)
		assert.Equal(t, sampleRPA, tel.Address)
		assert.Equal(t, uint8(0x11), level(t, tel.Left))
	default:
		t.Fatal("no telemetry published")
	}
}

func TestMonitorProcessFallsBackToCoarse(t *testing.T) {
	dir := sampleDirectory("")
	m := coreMonitor(t, MonitorConfig{Directory: dir})

	data := buildReport(0x00, 0x05, fromHex(t, fixtureEncrypted))
	m.process(context.Background(), sampleMAC, sampleRPA, data)

	select {
	case tel := <-m.Telemetry():
		assert.False(t, tel.Decrypted)
		assert.Equal(t, uint8(80), level(t, tel.Left))
	default:
		t.Fatal("no telemetry published")
	}
}

func TestMonitorReconnectDebounce(t *testing.T) {
	dir := sampleDirectory("")
	var calls atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	connector := func(ctx context.Context, mac string) error {
		calls.Add(1)
		if fail.Load() {
			return errors.New("host is down")
		}
		return nil
	}
	m := coreMonitor(t, MonitorConfig{Directory: dir, Connector: connector})

	disconnected := buildReport(0x00, 0x00, fromHex(t, fixtureEncrypted))
	ctx := context.Background()

	m.process(ctx, sampleMAC, sampleRPA, disconnected)
	assert.Equal(t, int32(1), calls.Load())

	// The failed address stays in flight, so the same address never retries.
	fail.Store(false)
	m.process(ctx, sampleMAC, sampleRPA, disconnected)
	assert.Equal(t, int32(1), calls.Load())

	// A rotated address is a fresh attempt; success clears the entry so the
	// next disconnected report may try again.
	rotated := "4A:30:10:98:18:F0"
	m.process(ctx, sampleMAC, rotated, disconnected)
	assert.Equal(t, int32(2), calls.Load())
	m.process(ctx, sampleMAC, rotated, disconnected)
	assert.Equal(t, int32(3), calls.Load())

	// A failure after a successful cycle parks the address again.
	fail.Store(true)
	m.process(ctx, sampleMAC, rotated, disconnected)
	assert.Equal(t, int32(4), calls.Load())
	m.process(ctx, sampleMAC, rotated, disconnected)
	assert.Equal(t, int32(4), calls.Load())
}

func TestMonitorReconnectSkippedWhenConnected(t *testing.T) {
	dir := sampleDirectory("")
	var calls atomic.Int32
	connector := func(ctx context.Context, mac string) error {
		calls.Add(1)
		return nil
	}
	m := coreMonitor(t, MonitorConfig{Directory: dir, Connector: connector})

	playing := buildReport(0x00, 0x05, fromHex(t, fixtureEncrypted))
	m.process(context.Background(), sampleMAC, sampleRPA, playing)
	assert.Zero(t, calls.Load())
}

func TestMonitorHonorsAutoConnectPreference(t *testing.T) {
	dir := sampleDirectory("")
	dir.auto = map[string]bool{sampleMAC: false}
	var calls atomic.Int32
	connector := func(ctx context.Context, mac string) error {
		calls.Add(1)
		return nil
	}
	m := coreMonitor(t, MonitorConfig{Directory: dir, Connector: connector})

	disconnected := buildReport(0x00, 0x00, fromHex(t, fixtureEncrypted))
	m.process(context.Background(), sampleMAC, sampleRPA, disconnected)

	assert.Zero(t, calls.Load(), "auto-connect disabled must suppress attempts")
	select {
	case <-m.Telemetry():
	default:
		t.Fatal("telemetry must still flow with auto-connect disabled")
	}
}

func TestMonitorIgnoresForeignReports(t *testing.T) {
	dir := sampleDirectory("")
	m := coreMonitor(t, MonitorConfig{Directory: dir})

	nearby := buildReport(0x00, 0x00, fromHex(t, fixtureEncrypted))
	nearby[0] = 0x10
	m.handleReport(context.Background(), sampleRPA, nearby)

	assert.Zero(t, dir.readCount(), "non-proximity reports must not hit the directory")
}

func TestAddressFromPath(t *testing.T) {
	tests := []struct {
		path dbus.ObjectPath
		want string
		ok   bool
	}{
		{path: "/org/bluez/hci0/dev_58_74_3B_AA_BB_CC", want: "58:74:3B:AA:BB:CC", ok: true},
		{path: "/org/bluez/hci0/dev_6e_5c_02_ab_cd_ef", want: "6E:5C:02:AB:CD:EF", ok: true},
		{path: "/org/bluez/hci0", ok: false},
		{path: "/org/bluez/hci0/dev_58_74", ok: false},
	}
	for _, tt := range tests {
		got, ok := addressFromPath(tt.path)
		assert.Equal(t, tt.ok, ok, "path %s", tt.path)
		if tt.ok {
			assert.Equal(t, tt.want, got, "path %s", tt.path)
		}
	}
}
