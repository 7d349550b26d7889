// debug_aacp exercises the accessory protocol session against real AirPods.
//
// The tool opens the L2CAP control channel on PSM 4097, runs the full
// handshake, requests the proximity keys and then dumps every frame and
// decoded event until interrupted. Useful when a firmware update shuffles
// packet layouts around and the daemon starts logging parse errors.
//
// Usage:
//
//	go run ./cmd/debug_aacp <MAC_ADDRESS>
//
// Example:
//
//	go run ./cmd/debug_aacp 90:62:3F:59:00:2F
//
// Requirements:
//   - AirPods paired and connected to this machine via Bluetooth
//   - BlueZ running
//
// Press Ctrl+C to close the session and disconnect.
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

	"aacpd/internal/aacp"
	"aacpd/internal/l2cap"
)

// frameDumper prints every frame in both directions.
type frameDumper struct{}

func (frameDumper) ObserveFrame(dir aacp.FrameDirection, op aacp.Opcode, payload []byte) {
	log.Printf("  [%3s] %-20s % X", dir, op, payload)
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <MAC_ADDRESS>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nExample: %s 90:62:3F:59:00:2F\n", os.Args[0])
		os.Exit(1)
	}
	mac := os.Args[1]

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	log.Printf("=== AACP session debug ===")
	log.Printf("1. Opening L2CAP control channel to %s (PSM 4097)...", mac)
	conn, err := l2cap.Dial(mac)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	log.Println("   ✓ Connected")

	session := aacp.NewSession(conn, aacp.SessionConfig{
		Logger:   logger,
		Observer: frameDumper{},
		OnProximityKeys: func(keys []aacp.ProximityKey) {
			for _, key := range keys {
				log.Printf("   ✓ Proximity key type=0x%02X %s", byte(key.Type), hex.EncodeToString(key.Bytes))
			}
		},
	})
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("2. Running handshake...")
	if err := session.Handshake(ctx); err != nil {
		log.Fatalf("Handshake failed: %v", err)
	}
	log.Printf("   ✓ Handshake done, state %s", session.HandshakeState())

	log.Println("3. Reading events (Ctrl+C to stop)...")
	events := session.Events()
	for {
		select {
		case <-ctx.Done():
			log.Println("Closing session...")
			return
		case <-session.Done():
			if err := session.Err(); err != nil {
				log.Fatalf("Session ended: %v", err)
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case aacp.BatteryEvent:
				for _, r := range ev.Readings {
					log.Printf("battery: %s", r)
				}
			case aacp.EarDetectionEvent:
				log.Printf("ear detection: %s -> %s", ev.Old, ev.New)
			case aacp.ControlCommandEvent:
				log.Printf("control: %s", ev.Status)
			case aacp.ConversationAwarenessEvent:
				log.Printf("conversation awareness: %t", ev.Active)
			case aacp.ConnectedDevicesEvent:
				log.Printf("connected devices: %v -> %v", ev.Old, ev.New)
			case aacp.OwnershipRequestEvent:
				log.Printf("ownership requested by another host")
			default:
				log.Printf("event: %#v", ev)
			}
		}
	}
}
