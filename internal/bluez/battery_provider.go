package bluez

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/sirupsen/logrus"
)

const (
	batteryProviderManagerIface = "org.bluez.BatteryProviderManager1"
	batteryProviderIface        = "org.bluez.BatteryProvider1"
	providerPath                = "/org/aacpd/battery"
	providerSource              = "aacpd"
)

const providerIntrospectXML = `
<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
<node>
	<interface name="org.freedesktop.DBus.ObjectManager">
		<method name="GetManagedObjects">
			<arg name="objects" type="a{oa{sa{sv}}}" direction="out"/>
		</method>
		<signal name="InterfacesAdded">
			<arg name="object_path" type="o"/>
			<arg name="interfaces_and_properties" type="a{sa{sv}}"/>
		</signal>
		<signal name="InterfacesRemoved">
			<arg name="object_path" type="o"/>
			<arg name="interfaces" type="as"/>
		</signal>
	</interface>
</node>`

const batteryIntrospectXML = `
<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
<node>
	<interface name="org.bluez.BatteryProvider1">
		<property name="Percentage" type="y" access="read"/>
		<property name="Device" type="o" access="read"/>
		<property name="Source" type="s" access="read"/>
	</interface>
	<interface name="org.freedesktop.DBus.Properties">
		<method name="Get">
			<arg name="interface_name" type="s" direction="in"/>
			<arg name="property_name" type="s" direction="in"/>
			<arg name="value" type="v" direction="out"/>
		</method>
		<method name="GetAll">
			<arg name="interface_name" type="s" direction="in"/>
			<arg name="properties" type="a{sv}" direction="out"/>
		</method>
	</interface>
</node>`

// batteryObject is one exported org.bluez.BatteryProvider1 object.
type batteryObject struct {
	mu         sync.Mutex
	path       dbus.ObjectPath
	device     dbus.ObjectPath
	percentage uint8
}

// BatteryProvider exports headset battery levels back into BlueZ so the
// desktop's power UI can show them. One battery object is kept per device,
// fed from session battery state.
//
// BlueZ only honors objects announced via InterfacesAdded on the same
// connection the provider registered with.
type BatteryProvider struct {
	conn        *dbus.Conn
	log         logrus.FieldLogger
	adapterPath dbus.ObjectPath

	mu         sync.Mutex
	batteries  map[string]*batteryObject
	registered bool
}

// NewBatteryProvider exports the provider's object tree on the shared bus
// connection. Call Register afterwards to announce it to BlueZ.
func NewBatteryProvider(conn *dbus.Conn, log logrus.FieldLogger, adapterPath dbus.ObjectPath) (*BatteryProvider, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if adapterPath == "" {
		adapterPath = DefaultAdapterPath
	}
	p := &BatteryProvider{
		conn:        conn,
		log:         log,
		adapterPath: adapterPath,
		batteries:   make(map[string]*batteryObject),
	}

	if err := conn.Export(p, providerPath, "org.freedesktop.DBus.ObjectManager"); err != nil {
		return nil, fmt.Errorf("export object manager: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(providerIntrospectXML), providerPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("export introspection: %w", err)
	}
	return p, nil
}

// Register announces the provider to BlueZ's BatteryProviderManager1.
// Fails when BlueZ runs without the experimental flag; the daemon treats
// that as a degraded mode, not an error.
func (p *BatteryProvider) Register() error {
	call := p.conn.Object(Service, p.adapterPath).
		Call(batteryProviderManagerIface+".RegisterBatteryProvider", 0, dbus.ObjectPath(providerPath))
	if call.Err != nil {
		return fmt.Errorf("register battery provider: %w", call.Err)
	}
	p.mu.Lock()
	p.registered = true
	p.mu.Unlock()
	return nil
}

// Update creates or refreshes the battery object for a device.
func (p *BatteryProvider) Update(mac string, percentage uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.batteries[mac]; ok {
		b.setPercentage(percentage)
		changes := map[string]dbus.Variant{
			"Percentage": dbus.MakeVariant(percentage),
		}
		return p.conn.Emit(b.path, "org.freedesktop.DBus.Properties.PropertiesChanged",
			batteryProviderIface, changes, []string{})
	}

	b := &batteryObject{
		path:       batteryPath(mac),
		device:     DevicePath(p.adapterPath, mac),
		percentage: percentage,
	}
	if err := p.conn.Export(b, b.path, "org.freedesktop.DBus.Properties"); err != nil {
		return err
	}
	if err := p.conn.Export(introspect.Introspectable(batteryIntrospectXML), b.path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return err
	}
	p.batteries[mac] = b

	// Without this signal BlueZ never surfaces the object.
	interfaces := map[string]map[string]dbus.Variant{
		batteryProviderIface: b.properties(),
	}
	if err := p.conn.Emit(providerPath, "org.freedesktop.DBus.ObjectManager.InterfacesAdded", b.path, interfaces); err != nil {
		return fmt.Errorf("emit InterfacesAdded: %w", err)
	}
	p.log.WithFields(logrus.Fields{"mac": mac, "percentage": percentage}).Debug("battery exported")
	return nil
}

// Remove withdraws a device's battery object, typically on disconnect.
func (p *BatteryProvider) Remove(mac string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batteries[mac]
	if !ok {
		return nil
	}
	if err := p.conn.Emit(providerPath, "org.freedesktop.DBus.ObjectManager.InterfacesRemoved",
		b.path, []string{batteryProviderIface}); err != nil {
		return fmt.Errorf("emit InterfacesRemoved: %w", err)
	}
	p.conn.Export(nil, b.path, "org.freedesktop.DBus.Properties")
	p.conn.Export(nil, b.path, "org.freedesktop.DBus.Introspectable")
	delete(p.batteries, mac)
	return nil
}

// Close unregisters from BlueZ. The shared bus connection stays open.
func (p *BatteryProvider) Close() error {
	p.mu.Lock()
	registered := p.registered
	p.registered = false
	p.mu.Unlock()
	if !registered {
		return nil
	}
	call := p.conn.Object(Service, p.adapterPath).
		Call(batteryProviderManagerIface+".UnregisterBatteryProvider", 0, dbus.ObjectPath(providerPath))
	return call.Err
}

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager.
func (p *BatteryProvider) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(p.batteries))
	for _, b := range p.batteries {
		objects[b.path] = map[string]map[string]dbus.Variant{
			batteryProviderIface: b.properties(),
		}
	}
	return objects, nil
}

func batteryPath(mac string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", providerPath, strings.ReplaceAll(strings.ToUpper(mac), ":", "_")))
}

func (b *batteryObject) setPercentage(percentage uint8) {
	b.mu.Lock()
	b.percentage = percentage
	b.mu.Unlock()
}

func (b *batteryObject) properties() map[string]dbus.Variant {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]dbus.Variant{
		"Percentage": dbus.MakeVariant(b.percentage),
		"Device":     dbus.MakeVariant(b.device),
		"Source":     dbus.MakeVariant(providerSource),
	}
}

// Get implements org.freedesktop.DBus.Properties for the battery object.
func (b *batteryObject) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != batteryProviderIface {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{iface})
	}
	v, ok := b.properties()[property]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", []interface{}{property})
	}
	return v, nil
}

// GetAll implements org.freedesktop.DBus.Properties for the battery object.
func (b *batteryObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != batteryProviderIface {
		return nil, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{iface})
	}
	return b.properties(), nil
}

// Set rejects writes, every property is read-only.
func (b *batteryObject) Set(iface, property string, value dbus.Variant) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", []interface{}{property})
}
