package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Device wraps the raw org.bluez.Device1 calls the teacher made against a
// single hardcoded path, generalized to any MAC under any adapter.
type Device struct {
	inv  *Inventory
	Path dbus.ObjectPath
	MAC  MAC
}

// DeviceAt builds a Device handle for mac under adapter hci, mirroring the
// teacher's deviceObjectPath.
func (inv *Inventory) DeviceAt(hci string, mac MAC) *Device {
	path := dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/%s", hci, mac.PathSuffix()))
	return &Device{inv: inv, Path: path, MAC: mac}
}

func (d *Device) object() dbus.BusObject { return d.inv.object(d.Path) }

// Paired mirrors the teacher's devicePaired.
func (d *Device) Paired() (bool, error) { return d.getBool("Paired") }

// Connected mirrors the teacher's deviceConnected.
func (d *Device) Connected() (bool, error) { return d.getBool("Connected") }

// Trusted reports whether BlueZ has this device in its trusted list.
func (d *Device) Trusted() (bool, error) { return d.getBool("Trusted") }

// Blocked mirrors the teacher's deviceBlocked.
func (d *Device) Blocked() (bool, error) { return d.getBool("Blocked") }

// Name returns BlueZ's Alias property (falls back to Name if unset), the
// friendly name shown to the phone during scan, spec.md §4.7's 0x43 payload.
func (d *Device) Name() (string, error) {
	v, err := d.inv.getProp(d.Path, deviceIface, "Alias")
	if err != nil {
		return "", fmt.Errorf("bluez: get %s.Alias: %w", d.MAC, err)
	}
	name, _ := v.Value().(string)
	return name, nil
}

func (d *Device) getBool(prop string) (bool, error) {
	v, err := d.inv.getProp(d.Path, deviceIface, prop)
	if err != nil {
		return false, fmt.Errorf("bluez: get %s.%s: %w", d.MAC, prop, err)
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: %s.%s is not a bool", d.MAC, prop)
	}
	return b, nil
}

// SetTrusted mirrors the teacher's setBlocked shape, for the Trusted
// property instead — BlueZ refuses an A2DP Connect on an untrusted device
// that requires confirmation.
func (d *Device) SetTrusted(trusted bool) error {
	if err := d.inv.setProp(d.Path, deviceIface, "Trusted", trusted); err != nil {
		return fmt.Errorf("bluez: set %s.Trusted=%v: %w", d.MAC, trusted, err)
	}
	return nil
}

// SetBlocked mirrors the teacher's setBlocked exactly.
func (d *Device) SetBlocked(blocked bool) error {
	if err := d.inv.setProp(d.Path, deviceIface, "Blocked", blocked); err != nil {
		return fmt.Errorf("bluez: set %s.Blocked=%v: %w", d.MAC, blocked, err)
	}
	return nil
}

// Pair calls Device1.Pair and blocks until the agent (C3) completes the
// pairing flow or ctx is canceled.
func (d *Device) Pair(ctx context.Context) error {
	call := d.object().CallWithContext(ctx, deviceIface+".Pair", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: pair %s: %w", d.MAC, call.Err)
	}
	return nil
}

// Connect mirrors the teacher's connect, generalized to accept a context so
// callers can enforce spec.md's per-state timeouts.
func (d *Device) Connect(ctx context.Context) error {
	call := d.object().CallWithContext(ctx, deviceIface+".Connect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: connect %s: %w", d.MAC, call.Err)
	}
	return nil
}

// Disconnect mirrors the teacher's disconnect.
func (d *Device) Disconnect(ctx context.Context) error {
	call := d.object().CallWithContext(ctx, deviceIface+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", d.MAC, call.Err)
	}
	return nil
}

// RemoveDevice forgets the pairing entirely, via Adapter1.RemoveDevice on
// the adapter that owns d.
func (inv *Inventory) RemoveDevice(adapterPath dbus.ObjectPath, dev *Device) error {
	call := inv.object(adapterPath).Call(adapterIface+".RemoveDevice", 0, dev.Path)
	if call.Err != nil {
		return fmt.Errorf("bluez: remove device %s: %w", dev.MAC, call.Err)
	}
	return nil
}
