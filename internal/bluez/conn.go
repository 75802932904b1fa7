package bluez

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// BusName is BlueZ's well-known name on the system bus, exported for
// components outside this package (e.g. internal/gatt, internal/agent)
// that need to address BlueZ directly rather than through an Inventory
// method.
const BusName = "org.bluez"

const (
	busName      = BusName
	omIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface   = "org.freedesktop.DBus.Properties"
	propsSignal  = propsIface + ".PropertiesChanged"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
)

// Inventory is the sole owner of adapter records (C1). It wraps one system
// bus connection, mirroring the teacher's bluez struct but generalized from
// a single hardcoded hci0 to every adapter BlueZ reports.
type Inventory struct {
	conn *dbus.Conn
	log  zerolog.Logger

	reservedHCI string // e.g. "hci0", from RESERVED_HCI

	mu       sync.Mutex
	adapters map[string]*Adapter // hci name -> adapter
}

// Connect opens the system bus and verifies BlueZ is present, exactly the
// teacher's newBluez probe (ListNames -> look for "org.bluez").
func Connect(reservedHCI string, log zerolog.Logger) (*Inventory, error) {
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
		return nil, fmt.Errorf("bluez: %s not found on system bus — is bluetooth.service running?", busName)
	}

	inv := &Inventory{
		conn:        conn,
		log:         log.With().Str("component", "bluez").Logger(),
		reservedHCI: reservedHCI,
		adapters:    make(map[string]*Adapter),
	}
	return inv, nil
}

func (inv *Inventory) Conn() *dbus.Conn { return inv.conn }

func (inv *Inventory) Close() error { return inv.conn.Close() }

func (inv *Inventory) object(path dbus.ObjectPath) dbus.BusObject {
	return inv.conn.Object(busName, path)
}

func (inv *Inventory) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := inv.object(path).Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (inv *Inventory) setProp(path dbus.ObjectPath, iface, prop string, val interface{}) error {
	return inv.object(path).Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

// GetManagedObjects is the raw org.freedesktop.DBus.ObjectManager call used
// throughout C1/C2/C6 to walk BlueZ's object tree — grounded on
// bakins-bleclient/gap.go's identical call.
func (inv *Inventory) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var list map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := inv.object("/").Call(omIface+".GetManagedObjects", 0).Store(&list)
	if err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", err)
	}
	return list, nil
}
