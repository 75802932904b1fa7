package gatt

import (
	"github.com/godbus/dbus/v5"
)

// Fixed 128-bit UUIDs, spec.md §6 — one service, one characteristic.
const (
	ServiceUUID        = "7ad5a8a1-3c4e-4f2d-9b1a-5e8c9d0f2a10"
	CharacteristicUUID = "7ad5a8a2-3c4e-4f2d-9b1a-5e8c9d0f2a10"
	// AdvertisedName is the fixed local name the reserved adapter
	// advertises, spec.md §6.
	AdvertisedName = "Sync-Sonic"

	cccdUUID = "00002902-0000-1000-8000-00805f9b34fb"

	appRootPath    = dbus.ObjectPath("/org/syncsonic/gatt")
	servicePath    = appRootPath + "/service0"
	charPath       = servicePath + "/char0"
	descriptorPath = charPath + "/desc0"
	advertPath     = dbus.ObjectPath("/org/syncsonic/advertisement0")

	gattServiceIface        = "org.bluez.GattService1"
	gattCharacteristicIface = "org.bluez.GattCharacteristic1"
	gattDescriptorIface     = "org.bluez.GattDescriptor1"
	leAdvertisementIface    = "org.bluez.LEAdvertisement1"
	objectManagerIface      = "org.freedesktop.DBus.ObjectManager"
)

// service implements org.bluez.GattService1 — grounded on
// other_examples/...ble_server.go's Service struct and
// gatt_service.py's GattService. Its properties (UUID, Primary) are
// exported via github.com/godbus/dbus/v5/prop in server.go; the type
// itself carries no methods BlueZ calls directly.
type service struct{}

// writeHandler is called whenever the phone writes to the characteristic.
// It receives the raw bytes (opcode + JSON or a 2-byte CCCD toggle is
// handled separately by the descriptor) and returns nothing — responses
// arrive later as notifications, matching write-without-response.
type writeHandler func(value []byte)

// characteristic implements org.bluez.GattCharacteristic1. ReadValue
// returns the last-published notification payload (BlueZ also uses
// ReadValue for clients that poll instead of subscribing);  WriteValue
// hands the frame to onWrite. Grounded on gatt_service.py's
// Characteristic.WriteValue CCCD-vs-frame disambiguation, simplified here
// since this Go binding keeps the CCCD in its own descriptor object rather
// than overloading WriteValue.
type characteristic struct {
	onWrite writeHandler

	lastValue []byte
}

func (c *characteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	if c.lastValue == nil {
		return []byte{}, nil
	}
	return c.lastValue, nil
}

func (c *characteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	if c.onWrite != nil {
		c.onWrite(value)
	}
	return nil
}

func (c *characteristic) StartNotify() *dbus.Error { return nil }
func (c *characteristic) StopNotify() *dbus.Error  { return nil }

// cccd implements the standard Client Characteristic Configuration
// descriptor (0x2902) that enables/disables notify — gatt_service.py's
// ClientConfigDescriptor.
type cccd struct {
	notifying bool
}

func (d *cccd) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	if d.notifying {
		return []byte{0x01, 0x00}, nil
	}
	return []byte{0x00, 0x00}, nil
}

func (d *cccd) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	if len(value) >= 2 {
		d.notifying = value[0]&0x01 != 0
	}
	return nil
}

// advertisement implements org.bluez.LEAdvertisement1 — grounded on the
// prototype's Advertisement struct (Start()'s RegisterAdvertisement call).
type advertisement struct{}

func (a *advertisement) Release() *dbus.Error { return nil }
