package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Device is one remote device found on the adapter.
type Device struct {
	MAC  string
	Name string
	Path dbus.ObjectPath
}

// Adapter wraps one org.bluez.Adapter1 object.
type Adapter struct {
	conn *dbus.Conn
	log  logrus.FieldLogger
	path dbus.ObjectPath
}

// NewAdapter binds to the adapter at path, or DefaultAdapterPath when empty.
func NewAdapter(conn *dbus.Conn, log logrus.FieldLogger, path string) *Adapter {
	if path == "" {
		path = DefaultAdapterPath
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{conn: conn, log: log, path: dbus.ObjectPath(path)}
}

// Path returns the adapter's object path.
func (a *Adapter) Path() dbus.ObjectPath { return a.path }

// Address returns the adapter's own MAC, needed as the host half of
// peer announcement payloads.
func (a *Adapter) Address() (string, error) {
	variant, err := a.conn.Object(Service, a.path).GetProperty(adapterIface + ".Address")
	if err != nil {
		return "", fmt.Errorf("adapter address: %w", err)
	}
	addr, ok := variant.Value().(string)
	if !ok {
		return "", fmt.Errorf("adapter address: unexpected type %T", variant.Value())
	}
	return addr, nil
}

// EnsurePowered switches the adapter on if it is not already.
func (a *Adapter) EnsurePowered() error {
	err := a.conn.Object(Service, a.path).SetProperty(adapterIface+".Powered", dbus.MakeVariant(true))
	if err != nil {
		return fmt.Errorf("power adapter: %w", err)
	}
	return nil
}

// ConnectedAACPDevices sweeps BlueZ's object tree for devices that are
// currently connected and expose the accessory protocol UUID. Used at
// startup to pick up devices that attached before the daemon did.
func (a *Adapter) ConnectedAACPDevices() ([]Device, error) {
	var objects managedObjects
	err := a.conn.Object(Service, "/").
		Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("managed objects: %w", err)
	}
	return connectedAACPDevices(objects), nil
}

func connectedAACPDevices(objects managedObjects) []Device {
	var found []Device
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		connected, _ := props["Connected"].Value().(bool)
		if !connected {
			continue
		}
		uuids, _ := props["UUIDs"].Value().([]string)
		if !HasAACPService(uuids) {
			continue
		}
		mac, ok := props["Address"].Value().(string)
		if !ok {
			continue
		}
		name, _ := props["Name"].Value().(string)
		found = append(found, Device{MAC: mac, Name: name, Path: path})
	}
	return found
}

// DisconnectProfile detaches a single profile, leaving the baseband link up.
func (a *Adapter) DisconnectProfile(mac, uuid string) error {
	path := DevicePath(a.path, mac)
	call := a.conn.Object(Service, path).Call(deviceIface+".DisconnectProfile", 0, uuid)
	if call.Err != nil {
		return fmt.Errorf("disconnect profile %s on %s: %w", uuid, mac, call.Err)
	}
	return nil
}

// deviceProperty fetches one org.bluez.Device1 property as a variant.
func (a *Adapter) deviceProperty(path dbus.ObjectPath, name string) (dbus.Variant, error) {
	return a.conn.Object(Service, path).GetProperty(deviceIface + "." + name)
}
