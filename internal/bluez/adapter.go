package bluez

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

// AdapterRole classifies an adapter per spec.md §3's Adapter invariant:
// exactly one adapter is reserved-for-BLE, the rest are assignable-for-A2DP.
type AdapterRole int

const (
	RoleAssignable AdapterRole = iota
	RoleReserved
)

func (r AdapterRole) String() string {
	if r == RoleReserved {
		return "reserved-for-ble"
	}
	return "assignable-for-a2dp"
}

// Adapter is C1's record for one local Bluetooth controller.
type Adapter struct {
	HCI     string // "hci0", "hci1", ...
	Path    dbus.ObjectPath
	Address string
	BusType string // "uart" | "usb" | "unknown"
	Name    string
	Powered bool
	Role    AdapterRole

	assignedMAC *MAC // nil if free; set only by connsvc via Assign/Release
	pairing     bool // true while an FSM holds this adapter through Discovery/Pairing/Connecting
}

var (
	// ErrNoReservedAdapter is returned by Refresh when neither RESERVED_HCI
	// nor a UART-bus fallback identifies the BLE adapter — spec.md §4.1:
	// "the daemon refuses to start".
	ErrNoReservedAdapter = errors.New("bluez: no reserved adapter found")
)

// Refresh rebuilds the adapter table from BlueZ's current object tree and
// resolves the reserved adapter. Call at startup and whenever C9 observes
// adapters being added/removed.
func (inv *Inventory) Refresh() error {
	objects, err := inv.GetManagedObjects()
	if err != nil {
		return err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	prior := inv.adapters
	inv.adapters = make(map[string]*Adapter)

	var hciNames []string
	for path, ifaces := range objects {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		hci := string(path)[strings.LastIndex(string(path), "/")+1:]
		hciNames = append(hciNames, hci)

		a := &Adapter{
			HCI:     hci,
			Path:    path,
			BusType: busType(hci),
		}
		if addr, ok := props["Address"].Value().(string); ok {
			a.Address = strings.ToUpper(addr)
		}
		if name, ok := props["Name"].Value().(string); ok {
			a.Name = name
		}
		if powered, ok := props["Powered"].Value().(bool); ok {
			a.Powered = powered
		}
		// Carry over assignment/pairing bookkeeping across a refresh so a
		// concurrent FSM doesn't lose its adapter mid-flight.
		if old, ok := prior[hci]; ok {
			a.assignedMAC = old.assignedMAC
			a.pairing = old.pairing
		}
		inv.adapters[hci] = a
	}
	sort.Strings(hciNames)

	reserved := inv.reservedHCI
	if reserved == "" {
		for _, hci := range hciNames {
			if inv.adapters[hci].BusType == "uart" {
				reserved = hci
				break
			}
		}
	}
	if reserved == "" || inv.adapters[reserved] == nil {
		return ErrNoReservedAdapter
	}
	for hci, a := range inv.adapters {
		if hci == reserved {
			a.Role = RoleReserved
		} else {
			a.Role = RoleAssignable
		}
	}
	inv.reservedHCI = reserved
	return nil
}

// ReservedAdapter returns the adapter exclusively used to advertise the GATT
// service, per spec.md §4.1.
func (inv *Inventory) ReservedAdapter() (*Adapter, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	a, ok := inv.adapters[inv.reservedHCI]
	return a, ok
}

// FreeAdapter returns any assignable adapter that is powered, not assigned,
// and not mid-pairing/connecting, tie-broken by lowest HCI index — spec.md
// §4.1.
func (inv *Inventory) FreeAdapter() (*Adapter, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	var names []string
	for hci := range inv.adapters {
		names = append(names, hci)
	}
	sort.Strings(names)

	for _, hci := range names {
		a := inv.adapters[hci]
		if a.Role != RoleAssignable {
			continue
		}
		if !a.Powered || a.assignedMAC != nil || a.pairing {
			continue
		}
		return a, true
	}
	return nil, false
}

// Assign marks adapter as owned by mac, enforcing spec.md §3's "at most one
// adapter assigned to a speaker" / "one-speaker-per-adapter" invariants.
func (inv *Inventory) Assign(hci string, mac MAC) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	a, ok := inv.adapters[hci]
	if !ok {
		return fmt.Errorf("bluez: unknown adapter %s", hci)
	}
	if a.Role == RoleReserved {
		return fmt.Errorf("bluez: refusing to assign reserved adapter %s to a speaker", hci)
	}
	if a.assignedMAC != nil {
		return fmt.Errorf("bluez: adapter %s already assigned to %s", hci, a.assignedMAC)
	}
	m := mac
	a.assignedMAC = &m
	a.pairing = true
	return nil
}

// Release frees adapter hci if it was assigned to mac — spec.md §4.1
// release(adapter, mac).
func (inv *Inventory) Release(hci string, mac MAC) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	a, ok := inv.adapters[hci]
	if !ok || a.assignedMAC == nil || *a.assignedMAC != mac {
		return
	}
	a.assignedMAC = nil
	a.pairing = false
}

// SettlePairing clears the mid-pairing flag once Routing succeeds or the
// FSM terminates, without releasing the adapter (still owned by the now
// connected-and-routed speaker until Disconnect).
func (inv *Inventory) SettlePairing(hci string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if a, ok := inv.adapters[hci]; ok {
		a.pairing = false
	}
}

// List returns a snapshot of all known adapters.
func (inv *Inventory) List() []Adapter {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]Adapter, 0, len(inv.adapters))
	for _, a := range inv.adapters {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HCI < out[j].HCI })
	return out
}

// SetPowered toggles Adapter1.Powered, mirroring the teacher's
// setAdapterPowered.
func (inv *Inventory) SetPowered(hci string, on bool) error {
	inv.mu.Lock()
	a, ok := inv.adapters[hci]
	inv.mu.Unlock()
	if !ok {
		return fmt.Errorf("bluez: unknown adapter %s", hci)
	}
	return inv.setProp(a.Path, adapterIface, "Powered", on)
}
