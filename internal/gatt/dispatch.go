package gatt

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/bluez"
	"github.com/syncsonic/syncsonicd/internal/connsvc"
	"github.com/syncsonic/syncsonicd/internal/fsm"
	"github.com/syncsonic/syncsonicd/internal/registry"
	ultrasync "github.com/syncsonic/syncsonicd/internal/sync"
)

// opTimeout bounds every synchronous handler below except Ultrasonic-sync,
// which runs its own cycleTimeout internally.
const opTimeout = 10 * time.Second

// Dispatcher is the opcode -> component call table, C7's half that talks to
// C4/C6/C8. Frame decode/encode itself lives in protocol.go; object export
// lives in objects.go/server.go.
type Dispatcher struct {
	server  *Server
	inv     *bluez.Inventory
	scanMgr *bluez.ScanManager
	svc     *connsvc.Service
	reg     *registry.Registry
	sync    *ultrasync.Manager
	log     zerolog.Logger

	classicPairingTriggersScan bool

	mu           sync.Mutex
	scanning     bool
	scanAdapters []string
}

// NewDispatcher wires a Dispatcher against the already-constructed
// components. classicPairingTriggersScan resolves SPEC_FULL §12's
// 0x66 Open Question: default false, toggled by
// SYNCSONIC_CLASSIC_PAIRING_TRIGGERS_SCAN=1.
func NewDispatcher(server *Server, inv *bluez.Inventory, scanMgr *bluez.ScanManager, svc *connsvc.Service, reg *registry.Registry, syncMgr *ultrasync.Manager, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		server:                     server,
		inv:                        inv,
		scanMgr:                    scanMgr,
		svc:                        svc,
		reg:                        reg,
		sync:                       syncMgr,
		log:                        log.With().Str("component", "gatt-dispatch").Logger(),
		classicPairingTriggersScan: os.Getenv("SYNCSONIC_CLASSIC_PAIRING_TRIGGERS_SCAN") == "1",
	}
}

// Dispatch decodes one write from the phone and drives the matching
// component, notifying the response(s) through Server.Notify. It is the
// writeHandler NewServer expects; C9 wires Dispatch as the GATT
// characteristic's onWrite.
func (d *Dispatcher) Dispatch(raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		d.fail(protocolErrorReason(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch frame.Opcode {
	case OpScanStart:
		d.handleScanStart(ctx)
	case OpScanStop:
		d.handleScanStop()
	case OpConnectOne:
		d.handleConnectOne(ctx, frame.Payload)
	case OpDisconnect:
		d.handleDisconnect(ctx, frame.Payload)
	case OpSetLatency:
		d.handleSetLatency(ctx, frame.Payload)
	case OpSetVolume:
		d.handleSetVolume(frame.Payload)
	case OpGetPairedDevices:
		d.handleGetPairedDevices()
	case OpSetMute:
		d.handleSetMute(frame.Payload)
	case OpStartClassicPair:
		d.handleStartClassicPair(ctx)
	case OpUltrasonicSync:
		d.handleUltrasonicSync(ctx)
	default:
		// DecodeFrame already rejects anything not in knownOpcodes, and the
		// remaining known opcodes (Scan-device, Connection-status, the acks)
		// are server->phone only.
		d.fail("unknown_opcode")
	}
}

func protocolErrorReason(err error) string {
	switch err {
	case ErrOversize:
		return "oversize"
	case ErrUnknownOpcode:
		return "unknown_opcode"
	default:
		return "malformed_json"
	}
}

func (d *Dispatcher) ack(payload interface{}) {
	body, err := EncodeFrame(OpSuccess, payload)
	if err != nil {
		d.log.Error().Err(err).Msg("encode ack")
		return
	}
	if err := d.server.Notify(body); err != nil {
		d.log.Warn().Err(err).Msg("notify ack")
	}
}

func (d *Dispatcher) fail(reason string) {
	body, err := EncodeFrame(OpFailure, map[string]string{"reason": reason})
	if err != nil {
		d.log.Error().Err(err).Msg("encode failure")
		return
	}
	if err := d.server.Notify(body); err != nil {
		d.log.Warn().Err(err).Msg("notify failure")
	}
}

func (d *Dispatcher) phaseUpdate(payload interface{}) {
	body, err := EncodeFrame(OpConnectionStatus, payload)
	if err != nil {
		d.log.Error().Err(err).Msg("encode phase update")
		return
	}
	if err := d.server.Notify(body); err != nil {
		d.log.Warn().Err(err).Msg("notify phase update")
	}
}

// OnPhase is the connsvc.Service onPhase callback: every FSM transition
// becomes a 0x70 frame, spec.md §4.7's "0x70 phase updates" row.
func (d *Dispatcher) OnPhase(ev fsm.PhaseEvent) {
	d.phaseUpdate(map[string]interface{}{
		"phase":   ev.Phase.String(),
		"device":  ev.Device.String(),
		"attempt": ev.Attempt,
		"error":   ev.Error,
	})
}

// OnSnapshot is the connsvc.Service onSnapshot callback: a merged 0xF0
// status frame, spec.md §4.7's Success/snapshot row.
func (d *Dispatcher) OnSnapshot(snap connsvc.Snapshot) {
	connected := make([]string, 0, len(snap.Connected))
	for _, mac := range snap.Connected {
		connected = append(connected, mac.String())
	}
	sort.Strings(connected)
	d.ack(map[string]interface{}{"connected": connected})
}

// HandleDeviceEvent forwards a bluez discovery event as a 0x43
// Scan-device notification while a scan is active — called by C9's event
// loop for every bluez.Event alongside its normal connsvc routing.
func (d *Dispatcher) HandleDeviceEvent(ev bluez.Event) {
	if ev.Kind != bluez.EventDeviceAdded {
		return
	}
	d.mu.Lock()
	scanning := d.scanning
	d.mu.Unlock()
	if !scanning {
		return
	}

	dev := d.inv.DeviceAt(ev.HCI, ev.MAC)
	name, _ := dev.Name()
	paired, _ := dev.Paired()

	body, err := EncodeFrame(OpScanDevice, map[string]interface{}{
		"device": map[string]interface{}{
			"mac":    ev.MAC.String(),
			"name":   name,
			"paired": paired,
		},
	})
	if err != nil {
		d.log.Error().Err(err).Msg("encode scan-device")
		return
	}
	if err := d.server.Notify(body); err != nil {
		d.log.Warn().Err(err).Msg("notify scan-device")
	}
}

func (d *Dispatcher) handleScanStart(ctx context.Context) {
	d.mu.Lock()
	if d.scanning {
		d.mu.Unlock()
		d.ack(map[string]bool{"scanning": true})
		return
	}
	d.scanning = true
	d.mu.Unlock()

	var started []string
	for _, a := range d.inv.List() {
		if a.Role != bluez.RoleAssignable {
			continue
		}
		if err := d.scanMgr.EnsureDiscovery(ctx, a.HCI); err != nil {
			d.log.Warn().Err(err).Str("adapter", a.HCI).Msg("scan-start: discovery failed on adapter")
			continue
		}
		started = append(started, a.HCI)
	}

	d.mu.Lock()
	d.scanAdapters = started
	d.mu.Unlock()

	d.ack(map[string]bool{"scanning": true})
}

func (d *Dispatcher) handleScanStop() {
	d.mu.Lock()
	adapters := d.scanAdapters
	d.scanAdapters = nil
	d.scanning = false
	d.mu.Unlock()

	for _, hci := range adapters {
		d.scanMgr.ReleaseDiscovery(hci)
	}
	d.ack(map[string]bool{"scanning": false})
}

type connectOnePayload struct {
	TargetSpeaker struct {
		MAC  string `json:"mac"`
		Name string `json:"name"`
	} `json:"targetSpeaker"`
	Settings map[string]struct {
		Volume  int     `json:"volume"`
		Latency int     `json:"latency"`
		Balance float64 `json:"balance"`
	} `json:"settings"`
	Allowed []string `json:"allowed"`
}

func (d *Dispatcher) handleConnectOne(ctx context.Context, raw json.RawMessage) {
	var p connectOnePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		d.fail("malformed_json")
		return
	}

	mac, err := bluez.ParseMAC(p.TargetSpeaker.MAC)
	if err != nil {
		d.fail("malformed_json")
		return
	}

	settings := fsm.Settings{Volume: 70, Balance: 0.5}
	if s, ok := p.Settings[p.TargetSpeaker.MAC]; ok {
		settings = fsm.Settings{Volume: s.Volume, Balance: s.Balance, LatencyMS: s.Latency}
	}

	var allowed []bluez.MAC
	for _, a := range p.Allowed {
		m, err := bluez.ParseMAC(a)
		if err != nil {
			d.fail("malformed_json")
			return
		}
		allowed = append(allowed, m)
	}

	if err := d.svc.Connect(ctx, mac, p.TargetSpeaker.Name, settings, allowed); err != nil {
		if err == connsvc.ErrNoAdapter {
			d.fail("no_adapter")
			return
		}
		d.fail("connect_failed")
		return
	}
}

type macPayload struct {
	MAC string `json:"mac"`
}

func (d *Dispatcher) handleDisconnect(ctx context.Context, raw json.RawMessage) {
	var p macPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		d.fail("malformed_json")
		return
	}
	mac, err := bluez.ParseMAC(p.MAC)
	if err != nil {
		d.fail("malformed_json")
		return
	}
	if err := d.svc.Disconnect(ctx, mac); err != nil {
		d.fail("disconnect_failed")
		return
	}
	d.phaseUpdate(map[string]interface{}{"phase": "disconnect_done", "device": mac.String()})
}

type setLatencyPayload struct {
	MAC     string `json:"mac"`
	Latency int    `json:"latency"`
}

func (d *Dispatcher) handleSetLatency(ctx context.Context, raw json.RawMessage) {
	var p setLatencyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		d.fail("malformed_json")
		return
	}
	mac, err := bluez.ParseMAC(p.MAC)
	if err != nil {
		d.fail("malformed_json")
		return
	}
	if err := d.svc.SetLatency(ctx, mac, p.Latency); err != nil {
		d.fail("set_latency_failed")
		return
	}
	d.ack(nil)
}

type setVolumePayload struct {
	MAC     string  `json:"mac"`
	Volume  int     `json:"volume"`
	Balance float64 `json:"balance"`
}

func (d *Dispatcher) handleSetVolume(raw json.RawMessage) {
	var p setVolumePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		d.fail("malformed_json")
		return
	}
	mac, err := bluez.ParseMAC(p.MAC)
	if err != nil {
		d.fail("malformed_json")
		return
	}
	if err := d.svc.SetVolume(mac, p.Volume, p.Balance); err != nil {
		d.fail("set_volume_failed")
		return
	}
	d.ack(nil)
}

func (d *Dispatcher) handleGetPairedDevices() {
	devices := make(map[string]string)
	for _, s := range d.reg.PairedList() {
		devices[s.MAC.String()] = s.Name
	}
	d.ack(devices)
}

type setMutePayload struct {
	MAC  string `json:"mac"`
	Mute bool   `json:"mute"`
}

func (d *Dispatcher) handleSetMute(raw json.RawMessage) {
	var p setMutePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		d.fail("malformed_json")
		return
	}
	mac, err := bluez.ParseMAC(p.MAC)
	if err != nil {
		d.fail("malformed_json")
		return
	}
	if err := d.svc.SetMute(mac, p.Mute); err != nil {
		d.fail("set_mute_failed")
		return
	}
	d.ack(nil)
}

// handleStartClassicPair implements SPEC_FULL §12's resolution of the 0x66
// Open Question: by default this is a pure hand-off acknowledgment (the
// phone runs its own classic-BT pairing UI); setting
// SYNCSONIC_CLASSIC_PAIRING_TRIGGERS_SCAN=1 additionally kicks a discovery
// cycle on the first free adapter so newly-paired devices surface sooner as
// 0x43 Scan-device notifications.
func (d *Dispatcher) handleStartClassicPair(ctx context.Context) {
	if d.classicPairingTriggersScan {
		if a, ok := d.inv.FreeAdapter(); ok {
			if err := d.scanMgr.EnsureDiscovery(ctx, a.HCI); err != nil {
				d.log.Warn().Err(err).Msg("classic-pair: discovery kick failed")
			} else {
				d.mu.Lock()
				d.scanAdapters = append(d.scanAdapters, a.HCI)
				d.scanning = true
				d.mu.Unlock()
			}
		}
	}
	d.ack(nil)
}

// handleUltrasonicSync runs one C8 cycle against the currently connected
// speakers and acks the measured delta, spec.md §8's S5 scenario.
func (d *Dispatcher) handleUltrasonicSync(ctx context.Context) {
	snap := d.svc.Snapshot()
	result, err := d.sync.RunSync(ctx, snap.Connected)
	if err != nil {
		switch err {
		case ultrasync.ErrWrongSpeakerCount:
			d.fail("wrong_speaker_count")
		case ultrasync.ErrSyncInFlight:
			d.fail("sync_in_flight")
		default:
			d.fail("sync_failed")
		}
		return
	}
	d.ack(map[string]interface{}{
		"delta_ms": result.DeltaMS,
		"leading":  result.Leading.String(),
		"lagging":  result.Lagging.String(),
		"applied":  result.Applied,
	})
}
