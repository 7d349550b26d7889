// debug_ble watches Apple proximity advertisements for one device.
//
// The tool runs the BLE monitor against a single identity given on the
// command line instead of the device registry, so advertisement parsing and
// address resolution can be tested without a daemon or a connected device.
// Rotating addresses are resolved with the IRK; with the encryption key the
// battery figures come from the encrypted payload at 1% accuracy, without it
// from the plain bitfields at ~10%.
//
// Usage:
//
//	go run ./cmd/debug_ble <MAC> <IRK_HEX> [ENC_KEY_HEX]
//
// Examples:
//
//	# Resolve addresses only, unencrypted battery data
//	go run ./cmd/debug_ble 90:62:3F:59:00:2F 00112233445566778899aabbccddeeff
//
//	# Full decryption
//	go run ./cmd/debug_ble 90:62:3F:59:00:2F 0011...eeff a1b2...c5d6
//
// Both keys are printed by 'aacpctl devices --json' once the daemon has
// captured them over an active session.
//
// Press Ctrl+C to stop.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"aacpd/internal/ble"
)

// staticDirectory serves exactly one identity and never auto-connects.
type staticDirectory struct {
	id ble.Identity
}

func (d staticDirectory) Identities() []ble.Identity { return []ble.Identity{d.id} }
func (d staticDirectory) AutoConnect(string) bool    { return false }

func main() {
	if len(os.Args) < 3 || len(os.Args) > 4 {
		fmt.Fprintf(os.Stderr, "Usage: %s <MAC> <IRK_HEX> [ENC_KEY_HEX]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nExample: %s 90:62:3F:59:00:2F 00112233445566778899aabbccddeeff\n", os.Args[0])
		os.Exit(1)
	}

	id := ble.Identity{MAC: os.Args[1], IRK: os.Args[2]}
	if irk, err := hex.DecodeString(id.IRK); err != nil || len(irk) != 16 {
		log.Fatalf("IRK must be 16 bytes of hex, got %q", id.IRK)
	}
	if len(os.Args) == 4 {
		id.EncKey = os.Args[3]
		if key, err := hex.DecodeString(id.EncKey); err != nil || len(key) != 16 {
			log.Fatalf("Encryption key must be 16 bytes of hex, got %q", id.EncKey)
		}
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	log.Println("=== AirPods advertisement monitor ===")
	if id.EncKey != "" {
		log.Println("Decryption: ENABLED (1% battery accuracy)")
	} else {
		log.Println("Decryption: DISABLED (~10% battery accuracy)")
	}
	log.Println("This works even while the device is connected to another host.")
	log.Println()

	monitor, err := ble.NewMonitor(ble.MonitorConfig{
		Logger:    logger,
		Directory: staticDirectory{id: id},
	})
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}
	defer monitor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("Monitor failed: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping monitor...")
			return
		case tel, ok := <-monitor.Telemetry():
			if !ok {
				return
			}
			fmt.Println()
			fmt.Printf("━━━━━━━━━━ %s (via %s) ━━━━━━━━━━\n", tel.MAC, tel.Address)
			fmt.Printf("  model:  0x%04X\n", tel.Model)
			fmt.Printf("  left:   %s  in ear: %t\n", tel.Left, tel.LeftInEar)
			fmt.Printf("  right:  %s  in ear: %t\n", tel.Right, tel.RightInEar)
			fmt.Printf("  case:   %s\n", tel.Case)
			fmt.Printf("  state:  %s\n", ble.ConnectionStateString(tel.ConnectionState))
			fmt.Printf("  source: ")
			if tel.Decrypted {
				fmt.Println("decrypted payload (1% accuracy)")
			} else {
				fmt.Println("plain bitfields (~10% accuracy)")
			}
		}
	}
}
