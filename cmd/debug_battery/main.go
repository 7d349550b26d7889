// debug_battery drives the org.bluez.BatteryProvider1 export by hand.
//
// It registers a provider, publishes a fake battery reading for one device
// and walks it through an update, a removal and a re-add, so the desktop
// integration can be verified by eye in the power settings panel.
//
// Usage:
//
//	go run ./cmd/debug_battery [MAC]
//
// Without an argument the first connected accessory protocol device is
// used. Keep the power settings open while it runs; the reading should
// follow every step.
//
// Requirements:
//   - BlueZ started with --experimental, the provider API is gated on it
//   - The target device must be paired
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"aacpd/internal/bluez"
)

func main() {
	log.Println("=== Battery provider walkthrough ===")

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Fatalf("Failed to connect to system bus: %v", err)
	}
	defer conn.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	adapter := bluez.NewAdapter(conn, logger, "")

	log.Println("\n1. Creating battery provider...")
	provider, err := bluez.NewBatteryProvider(conn, logger, adapter.Path())
	if err != nil {
		log.Fatalf("Failed to create provider: %v", err)
	}
	log.Println("✓ Provider exported")

	log.Println("\n2. Registering with BlueZ...")
	if err := provider.Register(); err != nil {
		log.Fatalf("Failed to register: %v (is bluetoothd running with --experimental?)", err)
	}
	defer provider.Close()
	log.Println("✓ Registered")

	log.Println("\n3. Resolving target device...")
	mac, err := targetMAC(adapter)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("✓ Using %s", mac)

	log.Println("\n4. Publishing battery at 36%...")
	if err := provider.Update(mac, 36); err != nil {
		log.Fatalf("Failed to publish: %v", err)
	}
	log.Println("✓ Published")
	log.Println("  CHECK the power settings now, the reading should show 36%")
	time.Sleep(3 * time.Second)

	log.Println("\n5. Updating to 69%...")
	if err := provider.Update(mac, 69); err != nil {
		log.Fatalf("Failed to update: %v", err)
	}
	log.Println("✓ Updated, the reading should follow")
	time.Sleep(3 * time.Second)

	log.Println("\n6. Removing the battery object...")
	if err := provider.Remove(mac); err != nil {
		log.Fatalf("Failed to remove: %v", err)
	}
	log.Println("✓ Removed, the entry should disappear")
	time.Sleep(3 * time.Second)

	log.Println("\n7. Re-adding at 50%...")
	if err := provider.Update(mac, 50); err != nil {
		log.Fatalf("Failed to re-add: %v", err)
	}
	log.Println("✓ Re-added, the entry should reappear at 50%")

	log.Println("\n8. Keeping the provider alive, press Ctrl+C to exit")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Println("Unregistering...")
}

// targetMAC picks the device to publish for: the CLI argument when given,
// otherwise the first connected accessory protocol device.
func targetMAC(adapter *bluez.Adapter) (string, error) {
	if len(os.Args) > 1 {
		return os.Args[1], nil
	}
	devices, err := adapter.ConnectedAACPDevices()
	if err != nil {
		return "", fmt.Errorf("device sweep failed: %v", err)
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("no connected accessory protocol device, pass a MAC explicitly")
	}
	return devices[0].MAC, nil
}
