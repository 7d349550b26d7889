// ble_scan dumps every Apple proximity pairing report the adapter can hear.
//
// Unlike debug_ble it needs no identity material: reports are printed for
// every advertising address, raw payload next to the plain bitfield decode
// with its ten percent battery granularity. Use it to confirm the buds are
// advertising at all before chasing key or resolution problems.
//
// Usage:
//
//	go run ./cmd/ble_scan
//
// A report prints once per payload change; repeats of the same payload from
// the same address are suppressed. Addresses rotate every few minutes, so
// one set of buds shows up under several addresses over a longer run.
//
// Requirements:
//   - BlueZ running with an LE capable adapter
//   - No pairing needed, the buds may be connected to another device
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"aacpd/internal/ble"
	"aacpd/internal/bluez"
)

func main() {
	log.Println("=== Proximity report scanner ===")

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Fatalf("Failed to connect to system bus: %v", err)
	}
	defer conn.Close()

	adapter := conn.Object(bluez.Service, bluez.DefaultAdapterPath)
	filter := map[string]interface{}{"Transport": "le"}
	if err := adapter.Call("org.bluez.Adapter1.SetDiscoveryFilter", 0, filter).Err; err != nil {
		log.Fatalf("Failed to set discovery filter: %v", err)
	}
	if err := adapter.Call("org.bluez.Adapter1.StartDiscovery", 0).Err; err != nil {
		log.Fatalf("Failed to start discovery: %v", err)
	}
	defer adapter.Call("org.bluez.Adapter1.StopDiscovery", 0)

	rules := []string{
		"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='org.bluez.Device1'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
	}
	for _, rule := range rules {
		if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			log.Fatalf("Failed to add match rule: %v", err)
		}
	}
	signals := make(chan *dbus.Signal, 64)
	conn.Signal(signals)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("✓ Scanning, press Ctrl+C to stop")
	log.Println("  (reports arrive even while the buds are connected elsewhere)")
	fmt.Println()

	seen := make(map[string]string)
	sweepExisting(conn, seen)

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping scanner...")
			return
		case sig := <-signals:
			handleSignal(sig, seen)
		}
	}
}

// sweepExisting prints reports BlueZ cached before the scanner started.
func sweepExisting(conn *dbus.Conn, seen map[string]string) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := conn.Object(bluez.Service, "/").
		Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		log.Printf("Managed objects sweep failed: %v", err)
		return
	}
	for path, ifaces := range objects {
		props, ok := ifaces["org.bluez.Device1"]
		if !ok {
			continue
		}
		if v, ok := props["ManufacturerData"]; ok {
			reportFromVariant(path, v, seen)
		}
	}
}

func handleSignal(sig *dbus.Signal, seen map[string]string) {
	switch sig.Name {
	case "org.freedesktop.DBus.Properties.PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != "org.bluez.Device1" {
			return
		}
		changes, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		if v, ok := changes["ManufacturerData"]; ok {
			reportFromVariant(sig.Path, v, seen)
		}

	case "org.freedesktop.DBus.ObjectManager.InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		props, ok := ifaces["org.bluez.Device1"]
		if !ok {
			return
		}
		if v, ok := props["ManufacturerData"]; ok {
			reportFromVariant(path, v, seen)
		}
	}
}

func reportFromVariant(path dbus.ObjectPath, v dbus.Variant, seen map[string]string) {
	mfg, ok := v.Value().(map[uint16]dbus.Variant)
	if !ok {
		return
	}
	apple, ok := mfg[ble.AppleCompanyID]
	if !ok {
		return
	}
	data, ok := apple.Value().([]byte)
	if !ok {
		return
	}
	addr, ok := bluez.MACFromPath(path)
	if !ok {
		return
	}
	printReport(addr, data, seen)
}

func printReport(addr string, data []byte, seen map[string]string) {
	payload := hex.EncodeToString(data)
	if seen[addr] == payload {
		return
	}
	seen[addr] = payload

	t, err := ble.DecodeReport(data)
	if errors.Is(err, ble.ErrNotProximity) {
		// Other Apple message types share the company ID: nearby,
		// handoff, AirDrop. Not interesting here.
		return
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Address: %s\n", addr)
	fmt.Printf("Payload: %s\n", payload)
	if err != nil {
		fmt.Printf("Decode failed: %v\n", err)
	} else {
		fmt.Println(t.String())
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
