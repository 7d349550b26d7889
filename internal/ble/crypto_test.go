package ble

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func fromHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture %q: %v", s, err)
	}
	return b
}

// AES-128 known-answer vector from FIPS-197 C.1, with key, plaintext and
// ciphertext byte-reversed to express the vendor ordering.
func TestEncryptReversedVector(t *testing.T) {
	key := fromHex(t, "0f0e0d0c0b0a09080706050403020100")
	plaintext := fromHex(t, "ffeeddccbbaa99887766554433221100")
	want := fromHex(t, "5ac5b47080b7cdd830047b6ad8e0c469")

	got, err := encryptReversed(key, plaintext)
	if err != nil {
		t.Fatalf("encryptReversed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("encryptReversed = %x, want %x", got, want)
	}
}

// FIPS-197 C.1 in natural byte order.
func TestDecryptBlockVector(t *testing.T) {
	key := fromHex(t, "000102030405060708090a0b0c0d0e0f")
	block := fromHex(t, "69c4e0d86a7b0430d8cdb78070b4c55a")
	want := fromHex(t, "00112233445566778899aabbccddeeff")

	got, err := DecryptBlock(key, block)
	if err != nil {
		t.Fatalf("DecryptBlock: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("DecryptBlock = %x, want %x", got, want)
	}
}

// The two AES paths use different byte orders on purpose. If someone
// "simplifies" them into one convention, decrypting a reversed-mode
// ciphertext would invert cleanly and this test would catch it.
func TestCryptoPathsAreNotInverses(t *testing.T) {
	key := fromHex(t, "000102030405060708090a0b0c0d0e0f")
	plaintext := fromHex(t, "00112233445566778899aabbccddeeff")

	enc, err := encryptReversed(key, plaintext)
	if err != nil {
		t.Fatalf("encryptReversed: %v", err)
	}
	dec, err := DecryptBlock(key, enc)
	if err != nil {
		t.Fatalf("DecryptBlock: %v", err)
	}
	if bytes.Equal(dec, plaintext) {
		t.Error("natural decrypt inverted the reversed encrypt; the byte orders must differ")
	}
}

// Sample data for the random address hash function ah from the Bluetooth
// Core specification: IRK ec0234a357c8ad05341010a60a397d9b, prand 0x708194,
// hash 0x0dfbaa. Keys are stored wire order (least significant byte first),
// so the fixture IRK below is the spec value reversed.
const (
	sampleIRK = "9b7d390aa610103405adc857a33402ec"
	sampleRPA = "70:81:94:0D:FB:AA"
)

func TestResolveHashSampleData(t *testing.T) {
	irk := fromHex(t, sampleIRK)
	prand := [3]byte{0x94, 0x81, 0x70}
	want := [3]byte{0xAA, 0xFB, 0x0D}

	got, err := resolveHash(irk, prand)
	if err != nil {
		t.Fatalf("resolveHash: %v", err)
	}
	if got != want {
		t.Errorf("resolveHash = %x, want %x", got, want)
	}
}

func TestVerifyRPA(t *testing.T) {
	irk := fromHex(t, sampleIRK)

	tests := []struct {
		name    string
		addr    string
		irk     []byte
		match   bool
		wantErr error
	}{
		{name: "sample pair", addr: sampleRPA, irk: irk, match: true},
		{name: "lowercase address", addr: "70:81:94:0d:fb:aa", irk: irk, match: true},
		{name: "hash mismatch", addr: "70:81:94:0D:FB:AB", irk: irk, match: false},
		{name: "foreign key", addr: sampleRPA, irk: fromHex(t, "ec0234a357c8ad05341010a60a397d9b"), match: false},
		{name: "five octets", addr: "70:81:94:0D:FB", irk: irk, wantErr: ErrAddressFormat},
		{name: "bad hex octet", addr: "70:81:94:0D:FB:ZZ", irk: irk, wantErr: ErrAddressFormat},
		{name: "wide octet", addr: "170:81:94:0D:FB:AA", irk: irk, wantErr: ErrAddressFormat},
		{name: "no separators", addr: "7081940DFBAA", irk: irk, wantErr: ErrAddressFormat},
		{name: "short key", addr: sampleRPA, irk: irk[:15], wantErr: ErrKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := VerifyRPA(tt.addr, tt.irk)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("VerifyRPA err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyRPA: %v", err)
			}
			if ok != tt.match {
				t.Errorf("VerifyRPA = %v, want %v", ok, tt.match)
			}
		})
	}
}

func TestBlockLengthChecks(t *testing.T) {
	key := make([]byte, 16)
	short := make([]byte, 15)

	if _, err := encryptReversed(short, make([]byte, 16)); !errors.Is(err, ErrKeyLength) {
		t.Errorf("encryptReversed short key err = %v", err)
	}
	if _, err := encryptReversed(key, short); !errors.Is(err, ErrBlockLength) {
		t.Errorf("encryptReversed short block err = %v", err)
	}
	if _, err := DecryptBlock(short, make([]byte, 16)); !errors.Is(err, ErrKeyLength) {
		t.Errorf("DecryptBlock short key err = %v", err)
	}
	if _, err := DecryptBlock(key, short); !errors.Is(err, ErrBlockLength) {
		t.Errorf("DecryptBlock short block err = %v", err)
	}
}
