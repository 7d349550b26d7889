package ble

import (
	"crypto/aes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const blockSize = 16

var (
	ErrKeyLength     = errors.New("key must be 16 bytes")
	ErrBlockLength   = errors.New("block must be 16 bytes")
	ErrAddressFormat = errors.New("malformed radio address")
)

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// encryptReversed is the AES-128 variant the accessory uses for address
// resolution: key and plaintext are byte-reversed before the block encrypt
// and the ciphertext is reversed back afterward. Payload decryption
// (DecryptBlock) runs in natural byte order. The accessory really does use
// both orderings, so the two functions stay separate.
func encryptReversed(key, plaintext []byte) ([]byte, error) {
	if len(key) != blockSize {
		return nil, ErrKeyLength
	}
	if len(plaintext) != blockSize {
		return nil, ErrBlockLength
	}

	cipher, err := aes.NewCipher(reversed(key))
	if err != nil {
		return nil, fmt.Errorf("aes init: %w", err)
	}

	out := make([]byte, blockSize)
	cipher.Encrypt(out, reversed(plaintext))
	return reversed(out), nil
}

// DecryptBlock decrypts a single 16-byte block with AES-128, key and block
// in their natural byte order.
func DecryptBlock(key, block []byte) ([]byte, error) {
	if len(key) != blockSize {
		return nil, ErrKeyLength
	}
	if len(block) != blockSize {
		return nil, ErrBlockLength
	}

	cipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes init: %w", err)
	}

	out := make([]byte, blockSize)
	cipher.Decrypt(out, block)
	return out, nil
}

// resolveHash computes the 3-byte resolvable-address hash for prand under
// irk. prand occupies the low three bytes of the block, the rest is zero.
func resolveHash(irk []byte, prand [3]byte) ([3]byte, error) {
	var hash [3]byte
	block := make([]byte, blockSize)
	copy(block, prand[:])

	enc, err := encryptReversed(irk, block)
	if err != nil {
		return hash, err
	}
	copy(hash[:], enc[:3])
	return hash, nil
}

// VerifyRPA reports whether the textual radio address ("XX:XX:XX:XX:XX:XX")
// is a resolvable private address generated from irk. The address text is
// most-significant-octet first; on the wire the hash sits in the low three
// bytes and prand in the upper three.
func VerifyRPA(addr string, irk []byte) (bool, error) {
	if len(irk) != blockSize {
		return false, ErrKeyLength
	}

	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return false, fmt.Errorf("%w: %q", ErrAddressFormat, addr)
	}
	rpa := make([]byte, 6)
	for i, part := range parts {
		b, err := hex.DecodeString(part)
		if err != nil || len(b) != 1 {
			return false, fmt.Errorf("%w: %q", ErrAddressFormat, addr)
		}
		rpa[5-i] = b[0]
	}

	var hash, prand [3]byte
	copy(hash[:], rpa[0:3])
	copy(prand[:], rpa[3:6])

	computed, err := resolveHash(irk, prand)
	if err != nil {
		return false, err
	}
	return computed == hash, nil
}
