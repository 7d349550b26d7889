package daemon

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aacpd/internal/aacp"
	"aacpd/internal/registry"
)

func lvl(v uint8) *uint8 { return &v }

func reading(c aacp.BatteryComponent, level *uint8) aacp.BatteryReading {
	return aacp.BatteryReading{Component: c, Level: level, Status: aacp.BatteryNotCharging}
}

func TestBudPercentage(t *testing.T) {
	cases := []struct {
		name     string
		readings []aacp.BatteryReading
		want     uint8
		ok       bool
	}{
		{
			name: "weaker bud wins",
			readings: []aacp.BatteryReading{
				reading(aacp.ComponentLeft, lvl(40)),
				reading(aacp.ComponentRight, lvl(90)),
				reading(aacp.ComponentCase, lvl(100)),
			},
			want: 40, ok: true,
		},
		{
			name: "single bud in use",
			readings: []aacp.BatteryReading{
				reading(aacp.ComponentLeft, nil),
				reading(aacp.ComponentRight, lvl(55)),
			},
			want: 55, ok: true,
		},
		{
			name: "headphone reading wins outright",
			readings: []aacp.BatteryReading{
				reading(aacp.ComponentHeadphone, lvl(70)),
				reading(aacp.ComponentCase, lvl(10)),
			},
			want: 70, ok: true,
		},
		{
			name: "case only",
			readings: []aacp.BatteryReading{
				reading(aacp.ComponentCase, lvl(81)),
			},
			want: 81, ok: true,
		},
		{
			name:     "nothing reported",
			readings: nil,
			ok:       false,
		},
		{
			name: "all components disconnected",
			readings: []aacp.BatteryReading{
				reading(aacp.ComponentLeft, nil),
				reading(aacp.ComponentRight, nil),
				reading(aacp.ComponentCase, nil),
			},
			ok: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := budPercentage(tc.readings)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestCaptureFile(t *testing.T) {
	assert.Equal(t, "/tmp/frames-aabbccddeeff.cbor",
		captureFile("/tmp/frames.cbor", "AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "/tmp/frames-aabbccddeeff",
		captureFile("/tmp/frames", "AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "/var/lib/app.d/frames-aabbccddeeff",
		captureFile("/var/lib/app.d/frames", "AA:BB:CC:DD:EE:FF"),
		"a dot in the directory is not an extension")
}

func TestStoreDirectory(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.store.Remember("AA:BB:CC:DD:EE:FF", "Buds",
		registry.LEKeys{IRK: "00112233445566778899aabbccddeeff", EncKey: "ffeeddccbbaa99887766554433221100"}))
	require.NoError(t, d.store.Remember("11:22:33:44:55:66", "No Keys Yet", registry.LEKeys{}))
	require.NoError(t, d.store.SetAutoConnect("AA:BB:CC:DD:EE:FF", false))

	dir := storeDirectory{store: d.store}

	ids := dir.Identities()
	require.Len(t, ids, 1, "records without an IRK cannot be matched and are skipped")
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", ids[0].MAC)
	assert.Equal(t, "00112233445566778899aabbccddeeff", ids[0].IRK)

	assert.False(t, dir.AutoConnect("AA:BB:CC:DD:EE:FF"))
	assert.True(t, dir.AutoConnect("11:22:33:44:55:66"))
}

func TestPersistKeys(t *testing.T) {
	d := newTestDaemon(t)

	d.persistKeys("AA:BB:CC:DD:EE:FF", nil)
	_, ok := d.store.Lookup("AA:BB:CC:DD:EE:FF")
	assert.False(t, ok, "no keys means no record")

	irk := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	d.persistKeys("AA:BB:CC:DD:EE:FF", []aacp.ProximityKey{
		{Type: aacp.ProximityKeyIRK, Bytes: irk},
	})
	record, ok := d.store.Lookup("AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	assert.Equal(t, hex.EncodeToString(irk), record.LE.IRK)
	assert.Equal(t, "", record.LE.EncKey)
}

func TestReconnectCommandFailure(t *testing.T) {
	connector := reconnectCommand("definitely-not-a-real-tool")
	err := connector(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-a-real-tool")
}

// logSink captures log entries so tests can assert on them.
type logSink struct {
	mu      sync.Mutex
	entries []*logrus.Entry
}

func (s *logSink) Levels() []logrus.Level { return logrus.AllLevels }

func (s *logSink) Fire(e *logrus.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *logSink) identifiers(msg string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, e := range s.entries {
		if e.Message != msg {
			continue
		}
		if id, ok := e.Data["identifier"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestWatchControlStatusSurfacesPreferenceChanges(t *testing.T) {
	d := newTestDaemon(t)
	sink := &logSink{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(sink)
	d.log = logger

	mac := "F0:18:98:10:20:30"
	transport := attachStubSession(t, d, mac, "Buds")
	d.mu.Lock()
	session := d.sessions[mac].session
	d.mu.Unlock()
	d.watchControlStatus(mac, session)

	for _, id := range []aacp.ControlCommandID{
		aacp.ControlListeningMode,
		aacp.ControlAllowOffOption,
		aacp.ControlConversationMode,
		aacp.ControlOwnsConnection,
	} {
		transport.push(t, aacp.OpcodeControlCommand, []byte{byte(id), 0x01})
	}

	const msg = "accessory preference changed"
	require.Eventually(t, func() bool {
		return len(sink.identifiers(msg)) == 4
	}, time.Second, 5*time.Millisecond)

	ids := sink.identifiers(msg)
	assert.Contains(t, ids, "ListeningMode")
	assert.Contains(t, ids, "AllowOffOption")
	assert.Contains(t, ids, "ConversationDetectConfig")
	assert.Contains(t, ids, "OwnsConnection")
}
