package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// EventKind distinguishes the object-manager/property events C9's event
// loop selects over, per spec.md §9's tagged-union redesign note — no
// string dispatch.
type EventKind int

const (
	EventDeviceAdded EventKind = iota
	EventDeviceRemoved
	EventDevicePropertyChanged
	EventAdapterPropertyChanged
)

// Event is the single concrete type carried on the Inventory's event
// channel; Kind tells the receiver which fields are meaningful.
type Event struct {
	Kind EventKind
	HCI  string
	MAC  MAC

	// Property change fields, valid when Kind is *PropertyChanged.
	Property string
	Value    interface{}
}

// Watch subscribes to InterfacesAdded/Removed and PropertiesChanged on the
// bluez bus name and returns a channel of typed events, closed when the
// bus connection is closed. Grounded on bakins-bleclient/gap.go's
// AddMatchSignalContext + conn.Signal pattern, generalized from a single
// scan's signal loop to long-lived daemon-wide subscription.
func (inv *Inventory) Watch() (<-chan Event, error) {
	rules := []dbus.MatchOption{
		dbus.WithMatchInterface(omIface),
	}
	if err := inv.conn.AddMatchSignal(rules...); err != nil {
		return nil, fmt.Errorf("bluez: add match (object manager): %w", err)
	}
	if err := inv.conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
	); err != nil {
		return nil, fmt.Errorf("bluez: add match (properties): %w", err)
	}

	raw := make(chan *dbus.Signal, 64)
	inv.conn.Signal(raw)

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for sig := range raw {
			if ev, ok := translateSignal(sig); ok {
				out <- ev
			}
		}
	}()
	return out, nil
}

func translateSignal(sig *dbus.Signal) (Event, bool) {
	switch sig.Name {
	case omIface + ".InterfacesAdded":
		return translateInterfacesAdded(sig)
	case omIface + ".InterfacesRemoved":
		return translateInterfacesRemoved(sig)
	case propsSignal:
		return translatePropertiesChanged(sig)
	}
	return Event{}, false
}

func translateInterfacesAdded(sig *dbus.Signal) (Event, bool) {
	if len(sig.Body) != 2 {
		return Event{}, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return Event{}, false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return Event{}, false
	}
	if _, ok := ifaces[deviceIface]; !ok {
		return Event{}, false
	}
	hci, mac, ok := splitDevicePath(path)
	if !ok {
		return Event{}, false
	}
	return Event{Kind: EventDeviceAdded, HCI: hci, MAC: mac}, true
}

func translateInterfacesRemoved(sig *dbus.Signal) (Event, bool) {
	if len(sig.Body) != 2 {
		return Event{}, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return Event{}, false
	}
	removed, ok := sig.Body[1].([]string)
	if !ok {
		return Event{}, false
	}
	hasDevice := false
	for _, iface := range removed {
		if iface == deviceIface {
			hasDevice = true
			break
		}
	}
	if !hasDevice {
		return Event{}, false
	}
	hci, mac, ok := splitDevicePath(path)
	if !ok {
		return Event{}, false
	}
	return Event{Kind: EventDeviceRemoved, HCI: hci, MAC: mac}, true
}

func translatePropertiesChanged(sig *dbus.Signal) (Event, bool) {
	if len(sig.Body) < 2 {
		return Event{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return Event{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Event{}, false
	}

	switch iface {
	case deviceIface:
		hci, mac, ok := splitDevicePath(sig.Path)
		if !ok {
			return Event{}, false
		}
		for prop, v := range changed {
			return Event{
				Kind:     EventDevicePropertyChanged,
				HCI:      hci,
				MAC:      mac,
				Property: prop,
				Value:    v.Value(),
			}, true
		}
	case adapterIface:
		hci := hciFromPath(sig.Path)
		if hci == "" {
			return Event{}, false
		}
		for prop, v := range changed {
			return Event{
				Kind:     EventAdapterPropertyChanged,
				HCI:      hci,
				Property: prop,
				Value:    v.Value(),
			}, true
		}
	}
	return Event{}, false
}

// splitDevicePath parses "/org/bluez/hci0/dev_AA_BB_.." into (hci, mac).
func splitDevicePath(path dbus.ObjectPath) (string, MAC, bool) {
	parts := strings.Split(string(path), "/")
	if len(parts) < 5 {
		return "", MAC{}, false
	}
	hci := parts[3]
	mac, ok := macFromPathSuffix(parts[4])
	if !ok {
		return "", MAC{}, false
	}
	return hci, mac, true
}

func hciFromPath(path dbus.ObjectPath) string {
	parts := strings.Split(string(path), "/")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}
