// debug_bluez inspects the BlueZ object tree for accessory protocol devices.
//
// It walks org.freedesktop.DBus.ObjectManager and lists every device BlueZ
// knows, marking the ones whose UUID list carries the accessory protocol
// service. For those it dumps all Device1 properties, the exported
// interfaces and the Battery1 readout when present.
//
// Usage:
//
//	go run ./cmd/debug_bluez
//
// This is useful for:
//   - Checking a device advertises the accessory protocol UUID before
//     blaming the L2CAP connect
//   - Finding the object path BlueZ assigned to a device
//   - Verifying the daemon's battery export: with aacpd running and BlueZ
//     in experimental mode, Battery1 shows up here with source "aacpd"
//
// Requirements:
//   - The device must be paired with this host
//   - BlueZ must be running
package main

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"aacpd/internal/bluez"
)

func main() {
	log.Println("=== BlueZ device inspector ===")
	log.Println()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Fatalf("Failed to connect to system bus: %v", err)
	}
	defer conn.Close()

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := conn.Object(bluez.Service, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		log.Fatalf("Failed to get managed objects: %v", err)
	}

	// The map iterates in random order, sort for a stable listing.
	var paths []dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces["org.bluez.Device1"]; ok {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	if len(paths) == 0 {
		fmt.Println("No devices known to BlueZ!")
		fmt.Println("Pair the buds with this host first:")
		fmt.Println("  1. Put them in pairing mode (button on the case)")
		fmt.Println("  2. bluetoothctl scan on; pair <MAC>")
		return
	}

	capable := 0
	for _, path := range paths {
		interfaces := objects[path]
		props := interfaces["org.bluez.Device1"]
		uuids := getStringArrayProp(props, "UUIDs")
		speaksAACP := bluez.HasAACPService(uuids)

		marker := " "
		if speaksAACP {
			marker = "*"
			capable++
		}
		fmt.Printf("%s %s  %-24s connected=%v paired=%v\n",
			marker,
			getStringProp(props, "Address"),
			getStringProp(props, "Alias"),
			getBoolProp(props, "Connected"),
			getBoolProp(props, "Paired"))

		if !speaksAACP {
			continue
		}

		fmt.Printf("\n--- Device Properties ---\n")
		fmt.Printf("  Path: %s\n", path)
		for key, variant := range props {
			fmt.Printf("  %s: %v (type: %s)\n", key, variant.Value(), variant.Signature().String())
		}

		fmt.Printf("\n--- Interfaces ---\n")
		for iface := range interfaces {
			fmt.Printf("  - %s\n", iface)
		}

		if batteryProps, ok := interfaces["org.bluez.Battery1"]; ok {
			fmt.Printf("\n--- Battery ---\n")
			for key, variant := range batteryProps {
				fmt.Printf("  %s: %v\n", key, variant.Value())
			}
		}

		if len(uuids) > 0 {
			fmt.Printf("\n--- Services (UUIDs) ---\n")
			for _, uuid := range uuids {
				fmt.Printf("  - %s: %s\n", uuid, serviceName(uuid))
			}
		}

		fmt.Printf("\n%s\n\n", divider)
	}

	fmt.Printf("%d of %d devices speak the accessory protocol (marked *)\n", capable, len(paths))
	if capable == 0 {
		fmt.Println("None found. The buds only expose the service once fully paired.")
	}
}

const divider = "============================================================"

func getStringProp(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func getBoolProp(props map[string]dbus.Variant, key string) bool {
	if v, ok := props[key]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

func getStringArrayProp(props map[string]dbus.Variant, key string) []string {
	if v, ok := props[key]; ok {
		if arr, ok := v.Value().([]string); ok {
			return arr
		}
	}
	return nil
}

func serviceName(uuid string) string {
	services := map[string]string{
		"0000110b-0000-1000-8000-00805f9b34fb": "Audio Sink",
		"0000110c-0000-1000-8000-00805f9b34fb": "A/V Remote Control Target",
		"0000110e-0000-1000-8000-00805f9b34fb": "A/V Remote Control",
		bluez.A2DPSinkUUID:                     "Advanced Audio Distribution",
		"0000111e-0000-1000-8000-00805f9b34fb": "Handsfree",
		"00001132-0000-1000-8000-00805f9b34fb": "Message Access Server",
		bluez.AACPServiceUUID:                  "Apple Accessory Protocol",
		"89d3502b-0f36-433a-8ef4-c502ad55f8dc": "Apple Notification Center Service",
		"d0611e78-bbb4-4591-a5f8-487910ae4366": "Apple Continuity",
	}
	// BlueZ reports UUIDs in mixed case depending on origin.
	if name, ok := services[strings.ToLower(uuid)]; ok {
		return name
	}
	return "Unknown Service"
}
