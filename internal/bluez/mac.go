// Package bluez wraps BlueZ's D-Bus object tree: adapters, devices, and the
// object-manager events that announce them.
package bluez

import (
	"fmt"
	"strings"
)

// MAC is a canonicalized 48-bit Bluetooth device address, comparable and
// usable as a map key — unlike the teacher, which only ever juggled one
// address at a time as a bare string.
type MAC [6]byte

// ParseMAC accepts "AA:BB:CC:DD:EE:FF" in any case and canonicalizes it.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return m, fmt.Errorf("bluez: malformed MAC %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return m, fmt.Errorf("bluez: malformed MAC %q", s)
		}
		var b byte
		if _, err := fmt.Sscanf(p, "%02X", &b); err != nil {
			return m, fmt.Errorf("bluez: malformed MAC %q: %w", s, err)
		}
		m[i] = b
	}
	return m, nil
}

// MustParseMAC is ParseMAC for call sites with a literal or already-validated
// address (tests, constants).
func MustParseMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// PathSuffix returns the BlueZ object-path fragment for this address, e.g.
// "dev_AA_BB_CC_DD_EE_FF" — mirrors the teacher's deviceObjectPath escaping.
func (m MAC) PathSuffix() string {
	return "dev_" + strings.ReplaceAll(m.String(), ":", "_")
}

// macFromPathSuffix is the inverse of PathSuffix, modeled on the teacher's
// macFromPath.
func macFromPathSuffix(suffix string) (MAC, bool) {
	const prefix = "dev_"
	if !strings.HasPrefix(suffix, prefix) {
		return MAC{}, false
	}
	addr := strings.ReplaceAll(suffix[len(prefix):], "_", ":")
	m, err := ParseMAC(addr)
	if err != nil {
		return MAC{}, false
	}
	return m, true
}

// MACFromDevicePath extracts the MAC from a full BlueZ device object path
// such as "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", for callers outside this
// package (e.g. the pairing agent) that only see the path.
func MACFromDevicePath(path string) (MAC, bool) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return MAC{}, false
	}
	return macFromPathSuffix(path[idx+1:])
}
