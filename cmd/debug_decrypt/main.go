// debug_decrypt decodes captured proximity payloads on the desk, without a
// radio anywhere near.
//
// Feed it the Apple manufacturer payload of an advertisement (type byte
// first, as logged by debug_ble or the daemon at debug level) and it prints
// the plain bitfield interpretation; add the encryption key and it also
// decrypts the trailing block and prints the exact battery levels. The rpa
// form checks whether a rotating address was generated from an IRK.
//
// Usage:
//
//	go run ./cmd/debug_decrypt <PAYLOAD_HEX> [ENC_KEY_HEX]
//	go run ./cmd/debug_decrypt rpa <ADDRESS> <IRK_HEX>
//
// Examples:
//
//	# Plain bitfields only
//	go run ./cmd/debug_decrypt 0719012720559a...
//
//	# With decryption of the trailing 16 bytes
//	go run ./cmd/debug_decrypt 0719012720559a... a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6
//
//	# Does this address belong to this IRK?
//	go run ./cmd/debug_decrypt rpa 6F:10:22:33:44:55 00112233445566778899aabbccddeeff
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"aacpd/internal/ble"
)

func main() {
	args := os.Args[1:]
	if len(args) == 3 && args[0] == "rpa" {
		runRPA(args[1], args[2])
		return
	}
	if len(args) < 1 || len(args) > 2 {
		usage()
	}

	payload, err := hex.DecodeString(args[0])
	if err != nil {
		log.Fatalf("Payload must be hex: %v", err)
	}

	var key []byte
	if len(args) == 2 {
		key, err = hex.DecodeString(args[1])
		if err != nil {
			log.Fatalf("Invalid encryption key: %v", err)
		}
		if len(key) != 16 {
			log.Fatalf("Encryption key must be 16 bytes, got %d", len(key))
		}
	}

	fmt.Printf("Payload (%d bytes): %s\n\n", len(payload), hex.EncodeToString(payload))

	fmt.Println("=== Plain bitfields ===")
	plain, err := ble.DecodeReport(payload)
	if err != nil {
		log.Fatalf("Failed to decode payload: %v", err)
	}
	printTelemetry(plain)

	if key == nil {
		fmt.Println("\nNo encryption key given, stopping at the plain fields.")
		return
	}

	if len(payload) < 16 {
		log.Fatalf("Payload too short to carry an encrypted block")
	}
	block := payload[len(payload)-16:]
	decrypted, err := ble.DecryptBlock(key, block)
	if err != nil {
		log.Fatalf("Decryption failed: %v", err)
	}

	fmt.Println("\n=== Decrypted block ===")
	for i, b := range decrypted {
		fmt.Printf("Byte %2d: 0x%02X (%3d) %08b", i, b, b, b)
		switch i {
		case 1:
			fmt.Printf("  <- primary bud (bit 7 charging, low 7 level)")
		case 2:
			fmt.Printf("  <- secondary bud")
		case 3:
			fmt.Printf("  <- case, 0xFF when unavailable")
		}
		fmt.Println()
	}

	fmt.Println("\n=== Exact battery readings ===")
	exact, err := ble.DecodeTelemetry(payload, key)
	if err != nil {
		log.Fatalf("Failed to decode with key: %v", err)
	}
	printTelemetry(exact)
}

func runRPA(addr, irkHex string) {
	irk, err := hex.DecodeString(irkHex)
	if err != nil || len(irk) != 16 {
		log.Fatalf("IRK must be 16 bytes of hex")
	}
	ok, err := ble.VerifyRPA(addr, irk)
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	if ok {
		fmt.Printf("%s was generated from this IRK\n", addr)
	} else {
		fmt.Printf("%s does NOT match this IRK\n", addr)
		os.Exit(1)
	}
}

func printTelemetry(t *ble.Telemetry) {
	fmt.Printf("model:   0x%04X\n", t.Model)
	fmt.Printf("left:    %s  in ear: %t\n", t.Left, t.LeftInEar)
	fmt.Printf("right:   %s  in ear: %t\n", t.Right, t.RightInEar)
	fmt.Printf("case:    %s\n", t.Case)
	fmt.Printf("color:   0x%02X\n", t.Color)
	fmt.Printf("state:   %s\n", ble.ConnectionStateString(t.ConnectionState))
	fmt.Printf("flipped: %t\n", t.Flipped)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s <PAYLOAD_HEX> [ENC_KEY_HEX]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s rpa <ADDRESS> <IRK_HEX>\n", os.Args[0])
	os.Exit(1)
}
