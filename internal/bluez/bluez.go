// Package bluez talks to the BlueZ daemon over the system D-Bus for the
// pieces the radio library does not expose: adapter power state and the
// list of currently connected devices.
package bluez

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName         = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	propsIface      = "org.freedesktop.DBus.Properties"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// ErrUnavailable indicates BlueZ is not running on the system bus.
var ErrUnavailable = errors.New("bluez: org.bluez not found on system bus")

// Device is a BlueZ Device1 object reduced to what fairway needs.
type Device struct {
	Address   string
	Name      string
	Connected bool
}

// Client wraps a system bus connection scoped to one adapter (e.g. "hci0").
type Client struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

// Dial connects to the system bus and checks that BlueZ is present.
func Dial(adapter string) (*Client, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, ErrUnavailable
	}
	return &Client{conn: conn, adapterPath: AdapterPath(adapter)}, nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Powered reports the adapter's Powered property.
func (c *Client) Powered() (bool, error) {
	obj := c.conn.Object(busName, c.adapterPath)
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("bluez: get %s Powered: %w", c.adapterPath, err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: %s Powered is %T, not bool", c.adapterPath, v.Value())
	}
	return on, nil
}

// SetPowered switches the adapter on or off.
func (c *Client) SetPowered(on bool) error {
	obj := c.conn.Object(busName, c.adapterPath)
	if err := obj.Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on)).Err; err != nil {
		return fmt.Errorf("bluez: set %s Powered=%t: %w", c.adapterPath, on, err)
	}
	return nil
}

// ConnectedDevices returns the adapter's Device1 objects whose Connected
// property is true, sorted by address.
func (c *Client) ConnectedDevices() ([]Device, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := c.conn.Object(busName, "/")
	if err := obj.Call(objManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: get managed objects: %w", err)
	}
	return connectedFrom(c.adapterPath, objects), nil
}

// connectedFrom filters a GetManagedObjects reply down to connected devices
// under adapter.
func connectedFrom(adapter dbus.ObjectPath, objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []Device {
	var out []Device
	prefix := string(adapter) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		d := Device{Address: MACFromPath(adapter, path)}
		if v, ok := props["Address"]; ok {
			if s, ok := v.Value().(string); ok {
				d.Address = s
			}
		}
		if v, ok := props["Name"]; ok {
			d.Name, _ = v.Value().(string)
		}
		if v, ok := props["Connected"]; ok {
			d.Connected, _ = v.Value().(bool)
		}
		if d.Connected && d.Address != "" {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// AdapterPath returns the object path of a named adapter.
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func DevicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

// MACFromPath extracts the address from a device object path, or "" when
// path is not a device of adapter.
func MACFromPath(adapter, path dbus.ObjectPath) string {
	prefix := string(adapter) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return ""
	}
	return strings.ReplaceAll(rest, "_", ":")
}
