package gatt

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/bluez"
)

const (
	gattManagerIface = "org.bluez.GattManager1"
	leAdManagerIface = "org.bluez.LEAdvertisingManager1"
)

// Server is C7. It owns the exported GATT object tree and the single
// characteristic's notify fan-out; frame dispatch itself lives in
// dispatch.go.
type Server struct {
	conn *dbus.Conn
	inv  *bluez.Inventory
	log  zerolog.Logger

	char *characteristic
	cccd *cccd

	mu         sync.Mutex
	subscribed bool
}

// NewServer builds a Server bound to conn. onWrite is called with every
// decoded write to the characteristic (dispatch.go's Dispatch).
func NewServer(conn *dbus.Conn, inv *bluez.Inventory, onWrite writeHandler, log zerolog.Logger) *Server {
	return &Server{
		conn: conn,
		inv:  inv,
		log:  log.With().Str("component", "gatt").Logger(),
		char: &characteristic{onWrite: onWrite},
		cccd: &cccd{},
	}
}

// Start exports the service/characteristic/descriptor/advertisement object
// tree and registers the application + advertisement with BlueZ on the
// reserved adapter, mirroring the prototype's Application.Start() call
// sequence (RegisterApplication then RegisterAdvertisement) but targeting
// whichever adapter C1 resolved as reserved instead of a hardcoded hci0.
func (s *Server) Start(ctx context.Context) error {
	reserved, ok := s.inv.ReservedAdapter()
	if !ok {
		return fmt.Errorf("gatt: no reserved adapter to advertise on")
	}

	if err := s.exportObjects(); err != nil {
		return err
	}

	gm := s.conn.Object(bluez.BusName, reserved.Path)
	call := gm.CallWithContext(ctx, gattManagerIface+".RegisterApplication", 0, appRootPath, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("gatt: RegisterApplication: %w", call.Err)
	}

	adCall := gm.CallWithContext(ctx, leAdManagerIface+".RegisterAdvertisement", 0, advertPath, map[string]dbus.Variant{})
	if adCall.Err != nil {
		return fmt.Errorf("gatt: RegisterAdvertisement: %w", adCall.Err)
	}

	s.log.Info().Str("adapter", reserved.HCI).Str("name", AdvertisedName).Msg("advertising GATT service")
	return nil
}

// exportObjects exports every D-Bus object this application owns:
// the ObjectManager root, the service, characteristic, CCCD descriptor,
// and the advertisement — grounded on the prototype's per-object
// dbus.Export calls, generalized to also export an ObjectManager
// (BrooksWimer-SyncSonicPi's prototype relied on BlueZ never calling
// GetManagedObjects on the app root; real BlueZ requires it).
func (s *Server) exportObjects() error {
	om := &objectManager{s: s}
	if err := s.conn.Export(om, appRootPath, objectManagerIface); err != nil {
		return fmt.Errorf("gatt: export object manager: %w", err)
	}

	if _, err := prop.Export(s.conn, servicePath, map[string]map[string]*prop.Prop{
		gattServiceIface: {
			"UUID":    {Value: ServiceUUID, Writable: false, Emit: prop.EmitTrue},
			"Primary": {Value: true, Writable: false, Emit: prop.EmitTrue},
		},
	}); err != nil {
		return fmt.Errorf("gatt: export service properties: %w", err)
	}

	if err := s.conn.Export(s.char, charPath, gattCharacteristicIface); err != nil {
		return fmt.Errorf("gatt: export characteristic: %w", err)
	}
	if _, err := prop.Export(s.conn, charPath, map[string]map[string]*prop.Prop{
		gattCharacteristicIface: {
			"UUID":    {Value: CharacteristicUUID, Writable: false, Emit: prop.EmitTrue},
			"Service": {Value: servicePath, Writable: false, Emit: prop.EmitTrue},
			"Flags":   {Value: []string{"read", "write-without-response", "notify"}, Writable: false, Emit: prop.EmitTrue},
		},
	}); err != nil {
		return fmt.Errorf("gatt: export characteristic properties: %w", err)
	}

	if err := s.conn.Export(s.cccd, descriptorPath, gattDescriptorIface); err != nil {
		return fmt.Errorf("gatt: export descriptor: %w", err)
	}
	if _, err := prop.Export(s.conn, descriptorPath, map[string]map[string]*prop.Prop{
		gattDescriptorIface: {
			"UUID":           {Value: cccdUUID, Writable: false, Emit: prop.EmitTrue},
			"Characteristic": {Value: charPath, Writable: false, Emit: prop.EmitTrue},
		},
	}); err != nil {
		return fmt.Errorf("gatt: export descriptor properties: %w", err)
	}

	ad := &advertisement{}
	if err := s.conn.Export(ad, advertPath, leAdvertisementIface); err != nil {
		return fmt.Errorf("gatt: export advertisement: %w", err)
	}
	if _, err := prop.Export(s.conn, advertPath, map[string]map[string]*prop.Prop{
		leAdvertisementIface: {
			"Type":        {Value: "peripheral", Writable: false, Emit: prop.EmitTrue},
			"ServiceUUIDs": {Value: []string{ServiceUUID}, Writable: false, Emit: prop.EmitTrue},
			"LocalName":   {Value: AdvertisedName, Writable: false, Emit: prop.EmitTrue},
		},
	}); err != nil {
		return fmt.Errorf("gatt: export advertisement properties: %w", err)
	}

	return nil
}

// SetWriteHandler attaches the characteristic's write callback after
// construction — C9 wires a Dispatcher here once Dispatcher itself has a
// *Server to notify through, breaking the otherwise-circular
// Server-needs-Dispatcher / Dispatcher-needs-Server construction order.
func (s *Server) SetWriteHandler(h writeHandler) {
	s.char.onWrite = h
}

// Notify publishes a PropertiesChanged signal carrying the encoded frame
// as the characteristic's Value, the standard BlueZ mechanism for a GATT
// server-initiated notification.
func (s *Server) Notify(frame []byte) error {
	s.mu.Lock()
	subscribed := s.subscribed || s.cccd.notifying
	s.mu.Unlock()
	if !subscribed {
		return nil
	}

	s.char.lastValue = frame
	changed := map[string]dbus.Variant{"Value": dbus.MakeVariant(frame)}
	return s.conn.Emit(charPath, "org.freedesktop.DBus.Properties.PropertiesChanged",
		gattCharacteristicIface, changed, []string{})
}

// objectManager implements org.freedesktop.DBus.ObjectManager on the
// application root, required by GattManager1.RegisterApplication to walk
// the service/characteristic/descriptor tree — the prior prototype never
// needed this since it was exercised against a test harness that didn't
// enforce it.
type objectManager struct {
	s *Server
}

func (om *objectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	result := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		servicePath: {
			gattServiceIface: {
				"UUID":    dbus.MakeVariant(ServiceUUID),
				"Primary": dbus.MakeVariant(true),
			},
		},
		charPath: {
			gattCharacteristicIface: {
				"UUID":    dbus.MakeVariant(CharacteristicUUID),
				"Service": dbus.MakeVariant(servicePath),
				"Flags":   dbus.MakeVariant([]string{"read", "write-without-response", "notify"}),
			},
		},
		descriptorPath: {
			gattDescriptorIface: {
				"UUID":           dbus.MakeVariant(cccdUUID),
				"Characteristic": dbus.MakeVariant(charPath),
			},
		},
	}
	return result, nil
}
