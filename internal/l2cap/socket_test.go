package l2cap

import "testing"

func TestWireAddr(t *testing.T) {
	addr, err := wireAddr("F0:18:98:10:20:30")
	if err != nil {
		t.Fatalf("wireAddr: %v", err)
	}
	want := [6]byte{0x30, 0x20, 0x10, 0x98, 0x18, 0xF0}
	if addr != want {
		t.Errorf("wireAddr = %X, want %X", addr, want)
	}

	if _, err := wireAddr("f0:18:98:10:20:30"); err != nil {
		t.Errorf("lowercase address rejected: %v", err)
	}

	for _, bad := range []string{"", "F0:18:98:10:20", "F0:18:98:10:20:3", "not-a-mac", "F0189810203000"} {
		if _, err := wireAddr(bad); err == nil {
			t.Errorf("wireAddr(%q) accepted", bad)
		}
	}
}
