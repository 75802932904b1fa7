package bluez

import (
	"os"
	"path/filepath"
	"strings"
)

// sysfsRoot lets tests and the reserved-adapter Open Question override
// where transport type is read from (default /sys/class/bluetooth).
var sysfsRoot = "/sys/class/bluetooth"

func init() {
	if v := os.Getenv("SYNCSONIC_HCI_SYSFS_ROOT"); v != "" {
		sysfsRoot = v
	}
}

// busType reads the "uart"/"usb" transport for hciN via the sysfs device
// symlink, used to pick the reserved BLE adapter when RESERVED_HCI isn't
// set. No example repo touches sysfs bus-type detection, so this is
// deliberately plain stdlib (see DESIGN.md).
func busType(hci string) string {
	link, err := os.Readlink(filepath.Join(sysfsRoot, hci, "device"))
	if err != nil {
		return "unknown"
	}
	switch {
	case strings.Contains(link, "usb"):
		return "usb"
	case strings.Contains(link, "serial") || strings.Contains(link, "uart"):
		return "uart"
	default:
		return "unknown"
	}
}
