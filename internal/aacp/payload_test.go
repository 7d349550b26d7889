package aacp

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseBatteryState(t *testing.T) {
	level := func(v uint8) *uint8 { return &v }

	tests := []struct {
		name    string
		payload []byte
		want    []BatteryReading
		wantErr bool
	}{
		{
			name: "left right case",
			payload: []byte{
				0x03,
				0x04, 0x01, 0x5A, 0x01, 0x01, // left 90% charging
				0x02, 0x01, 0x55, 0x02, 0x01, // right 85% not charging
				0x08, 0x01, 0x00, 0x04, 0x01, // case disconnected
			},
			want: []BatteryReading{
				{Component: ComponentLeft, Level: level(90), Status: BatteryCharging},
				{Component: ComponentRight, Level: level(85), Status: BatteryNotCharging},
				{Component: ComponentCase, Status: BatteryDisconnected},
			},
		},
		{
			name: "single headphone",
			payload: []byte{
				0x01,
				0x01, 0x01, 0x64, 0x02, 0x01,
			},
			want: []BatteryReading{
				{Component: ComponentHeadphone, Level: level(100), Status: BatteryNotCharging},
			},
		},
		{
			name: "unknown component skipped",
			payload: []byte{
				0x02,
				0x40, 0x01, 0x10, 0x01, 0x01,
				0x04, 0x01, 0x32, 0x01, 0x01,
			},
			want: []BatteryReading{
				{Component: ComponentLeft, Level: level(50), Status: BatteryCharging},
			},
		},
		{
			name: "unknown status mapped to not charging",
			payload: []byte{
				0x01,
				0x02, 0x01, 0x28, 0x09, 0x01,
			},
			want: []BatteryReading{
				{Component: ComponentRight, Level: level(40), Status: BatteryNotCharging},
			},
		},
		{
			name:    "empty payload",
			payload: nil,
			wantErr: true,
		},
		{
			name:    "truncated reading",
			payload: []byte{0x02, 0x04, 0x01, 0x5A, 0x01, 0x01, 0x02, 0x01},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBatteryState(tt.payload)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPayload) {
					t.Fatalf("error = %v, want ErrMalformedPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBatteryState failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d readings, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Component != tt.want[i].Component || got[i].Status != tt.want[i].Status {
					t.Errorf("reading %d = %v, want %v", i, got[i], tt.want[i])
				}
				switch {
				case got[i].Level == nil && tt.want[i].Level != nil:
					t.Errorf("reading %d level = nil, want %d", i, *tt.want[i].Level)
				case got[i].Level != nil && tt.want[i].Level == nil:
					t.Errorf("reading %d level = %d, want nil", i, *got[i].Level)
				case got[i].Level != nil && *got[i].Level != *tt.want[i].Level:
					t.Errorf("reading %d level = %d, want %d", i, *got[i].Level, *tt.want[i].Level)
				}
			}
		})
	}
}

func TestParseControlCommand(t *testing.T) {
	status, err := ParseControlCommand([]byte{0x0D, 0x02})
	if err != nil {
		t.Fatalf("ParseControlCommand failed: %v", err)
	}
	if status.Identifier != ControlListeningMode {
		t.Errorf("identifier = %v, want ListeningMode", status.Identifier)
	}
	if !bytes.Equal(status.Value, []byte{0x02}) {
		t.Errorf("value = % X, want 02", status.Value)
	}

	if _, err := ParseControlCommand(nil); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("empty payload error = %v, want ErrMalformedPayload", err)
	}
}

func TestControlCommandEncoding(t *testing.T) {
	set := EncodeSetControlCommand(ControlListeningMode, []byte{byte(ListeningModeAdaptive)})
	if !bytes.Equal(set, []byte{0x0D, 0x04}) {
		t.Errorf("set payload = % X, want 0D 04", set)
	}
	get := EncodeGetControlCommand(ControlOwnsConnection)
	if !bytes.Equal(get, []byte{0x34}) {
		t.Errorf("get payload = % X, want 34", get)
	}
}

func TestParseProximityKeys(t *testing.T) {
	irk := bytes.Repeat([]byte{0x11}, 16)
	encKey := bytes.Repeat([]byte{0x22}, 16)
	payload := []byte{0x02}
	payload = append(payload, 0x01, 0x00, 0x10, 0x00)
	payload = append(payload, irk...)
	payload = append(payload, 0x04, 0x00, 0x10, 0x00)
	payload = append(payload, encKey...)

	keys, err := ParseProximityKeys(payload)
	if err != nil {
		t.Fatalf("ParseProximityKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if keys[0].Type != ProximityKeyIRK || !bytes.Equal(keys[0].Bytes, irk) {
		t.Errorf("key 0 = %v % X", keys[0].Type, keys[0].Bytes)
	}
	if keys[1].Type != ProximityKeyEncKey || !bytes.Equal(keys[1].Bytes, encKey) {
		t.Errorf("key 1 = %v % X", keys[1].Type, keys[1].Bytes)
	}
}

func TestParseProximityKeysTruncated(t *testing.T) {
	payload := []byte{0x01, 0x01, 0x00, 0x10, 0x00, 0xAA, 0xBB}
	if _, err := ParseProximityKeys(payload); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("error = %v, want ErrMalformedPayload", err)
	}
}

func TestEncodeProximityKeysRequest(t *testing.T) {
	payload := EncodeProximityKeysRequest(ProximityKeyIRK, ProximityKeyEncKey)
	if !bytes.Equal(payload, []byte{0x05, 0x00}) {
		t.Errorf("payload = % X, want 05 00", payload)
	}
}

func TestParseEarDetection(t *testing.T) {
	state, err := ParseEarDetection([]byte{0x00, 0x01})
	if err != nil {
		t.Fatalf("ParseEarDetection failed: %v", err)
	}
	if !state.PrimaryInEar || state.SecondaryInEar {
		t.Errorf("state = %v, want primary in, secondary out", state)
	}
	if !state.AnyInEar() {
		t.Error("AnyInEar = false, want true")
	}

	if _, err := ParseEarDetection([]byte{0x00}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("short payload error = %v, want ErrMalformedPayload", err)
	}
}

func TestParseConversationAwareness(t *testing.T) {
	tests := []struct {
		level byte
		want  bool
	}{
		{0x01, true},
		{0x02, true},
		{0x03, false},
		{0x08, false},
	}
	for _, tt := range tests {
		got, err := ParseConversationAwareness([]byte{tt.level})
		if err != nil {
			t.Fatalf("level 0x%02X: %v", tt.level, err)
		}
		if got != tt.want {
			t.Errorf("level 0x%02X = %t, want %t", tt.level, got, tt.want)
		}
	}
}

func TestParseConnectedDevices(t *testing.T) {
	payload := []byte{
		0x02,
		0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA, 0x01, 0x02,
		0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x03, 0x04,
	}
	devices, err := ParseConnectedDevices(payload)
	if err != nil {
		t.Fatalf("ParseConnectedDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0].MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("device 0 MAC = %s, want AA:BB:CC:DD:EE:FF", devices[0].MAC)
	}
	if devices[0].Info1 != 0x01 || devices[0].Info2 != 0x02 {
		t.Errorf("device 0 info = %02X %02X", devices[0].Info1, devices[0].Info2)
	}
	if devices[1].MAC != "11:22:33:44:55:66" {
		t.Errorf("device 1 MAC = %s, want 11:22:33:44:55:66", devices[1].MAC)
	}

	if _, err := ParseConnectedDevices([]byte{0x01, 0xFF}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("truncated entry error = %v, want ErrMalformedPayload", err)
	}
}

func TestEncodeMediaInformation(t *testing.T) {
	payload, err := EncodeMediaInformation("AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66")
	if err != nil {
		t.Fatalf("EncodeMediaInformation failed: %v", err)
	}
	want := []byte{
		0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA,
		0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}
	if !bytes.Equal(payload, want) {
		t.Errorf("payload = % X, want % X", payload, want)
	}

	if _, err := EncodeMediaInformation("nonsense", "11:22:33:44:55:66"); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("bad MAC error = %v, want ErrMalformedPayload", err)
	}
}

func TestEncodeRename(t *testing.T) {
	payload, err := EncodeRename("Buds")
	if err != nil {
		t.Fatalf("EncodeRename failed: %v", err)
	}
	if !bytes.Equal(payload, []byte{0x04, 'B', 'u', 'd', 's'}) {
		t.Errorf("payload = % X", payload)
	}

	if _, err := EncodeRename(""); err == nil {
		t.Error("empty name accepted")
	}
	if _, err := EncodeRename(string(bytes.Repeat([]byte{'a'}, 256))); err == nil {
		t.Error("overlong name accepted")
	}
}
