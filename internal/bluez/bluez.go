// Package bluez is the daemon's glue to the BlueZ D-Bus API: adapter
// queries, the connection supervisor that tells the daemon when an AACP
// capable device attaches, and a org.bluez.BatteryProvider1 export so
// desktops show headset battery levels.
//
// Everything here shares one system bus connection handed in by the caller.
// The battery provider in particular must register, export and emit signals
// on the same connection, or BlueZ silently ignores the objects.
package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	// Service is the BlueZ bus name.
	Service = "org.bluez"

	// AACPServiceUUID marks devices that speak the accessory protocol.
	// BlueZ reports UUIDs in mixed case depending on origin, so compare
	// case-insensitively.
	AACPServiceUUID = "74ec2172-0bad-4d01-8f77-997b2be0722a"

	// A2DPSinkUUID is the audio sink profile detached when the host gives
	// up media ownership.
	A2DPSinkUUID = "0000110d-0000-1000-8000-00805f9b34fb"

	deviceIface  = "org.bluez.Device1"
	adapterIface = "org.bluez.Adapter1"

	// DefaultAdapterPath is used unless the daemon is configured otherwise.
	DefaultAdapterPath = "/org/bluez/hci0"
)

// managedObjects is the shape returned by org.freedesktop.DBus.ObjectManager.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// HasAACPService reports whether a device's UUID list includes the
// accessory protocol.
func HasAACPService(uuids []string) bool {
	for _, u := range uuids {
		if strings.EqualFold(u, AACPServiceUUID) {
			return true
		}
	}
	return false
}

// DevicePath builds the BlueZ object path for a device under an adapter.
func DevicePath(adapter dbus.ObjectPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(mac), ":", "_")))
}

// MACFromPath recovers the colon form address from a BlueZ device path.
func MACFromPath(path dbus.ObjectPath) (string, bool) {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return "", false
	}
	mac := strings.ToUpper(strings.ReplaceAll(s[i+len("/dev_"):], "_", ":"))
	if len(mac) != 17 {
		return "", false
	}
	return mac, true
}
