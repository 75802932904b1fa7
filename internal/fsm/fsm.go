package fsm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/audio"
	"github.com/syncsonic/syncsonicd/internal/bluez"
	"github.com/syncsonic/syncsonicd/internal/registry"
)

// Timeouts per spec.md §5.
const (
	discoveryTimeout = 30 * time.Second
	pairTimeout      = 20 * time.Second
	connectTimeout   = 15 * time.Second
	routeTimeout     = 10 * time.Second

	maxPairAttempts    = 3
	maxConnectAttempts = 3
)

// Settings is the per-speaker tunable set a Connect carries in, replayed
// from the phone app's own store (spec.md §6: the daemon has no DB of its
// own).
type Settings struct {
	Volume    int
	Balance   float64
	LatencyMS int
	Muted     bool
}

// Backend bundles the lower-layer handles a Machine drives. Kept as a
// plain struct of already-constructed dependencies rather than an
// interface, since C6 (internal/connsvc) owns exactly one of each and
// there's no second implementation to substitute — tests pass an empty
// Backend and exercise only the methods that never touch it.
type Backend struct {
	Inventory *bluez.Inventory
	ScanMgr   *bluez.ScanManager
	Router    *audio.Router
	Registry  *registry.Registry
}

// Machine is one per-MAC connection lifecycle instance (C5). Run's
// goroutine drives its state; the outside world talks to it via Cancel and
// AdapterLost, and AdapterLost also sets the state to Failed from the
// caller's goroutine.
type Machine struct {
	mac      bluez.MAC
	name     string
	hci      string
	settings Settings
	backend  Backend
	events   <-chan bluez.Event
	publish  func(PhaseEvent)
	log      zerolog.Logger

	state State

	cancelOnce sync.Once
	cancelCh   chan struct{}
	doneCh     chan struct{}
}

// New builds a Machine targeting mac on adapter hci. Run must be called to
// drive it; events is the daemon-wide bluez event stream, already demuxed
// to this Machine's MAC by the caller (C6) via a fan-out goroutine.
func New(mac bluez.MAC, name, hci string, settings Settings, backend Backend, events <-chan bluez.Event, publish func(PhaseEvent), log zerolog.Logger) *Machine {
	return &Machine{
		mac:      mac,
		name:     name,
		hci:      hci,
		settings: settings,
		backend:  backend,
		events:   events,
		publish:  publish,
		log:      log.With().Str("component", "fsm").Str("mac", mac.String()).Logger(),
		state:    StateStart,
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// State returns the Machine's current state; safe to call from any
// goroutine for diagnostics, since State is read-only aside from Run's own
// goroutine (a stale read is acceptable — callers needing a guarantee wait
// on Done()).
func (m *Machine) State() State { return m.state }

// Adapter returns the HCI this Machine is driving its connection through.
func (m *Machine) Adapter() string { return m.hci }

// Cancel requests cooperative cancellation; the Machine observes it
// between phases and at retry boundaries, per spec.md §4.5's cancellation
// note. Idempotent.
func (m *Machine) Cancel() {
	m.cancelOnce.Do(func() { close(m.cancelCh) })
}

// Done reports when Run has returned.
func (m *Machine) Done() <-chan struct{} { return m.doneCh }

func (m *Machine) cancelled() bool {
	select {
	case <-m.cancelCh:
		return true
	default:
		return false
	}
}

func (m *Machine) emit(phase PhaseKind, attempt int, isErr bool) {
	m.publish(PhaseEvent{Phase: phase, Device: m.mac, Attempt: attempt, Error: isErr})
}

// Run drives the Machine to a terminal state. It returns only once Done(),
// Failed, or Cancelled is reached.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.doneCh)

	m.state = StateStart
	m.emit(PhaseFSMStart, 0, false)

	device := m.backend.Inventory.DeviceAt(m.hci, m.mac)

	if m.cancelled() {
		m.teardown(device, false)
		return
	}

	paired, err := device.Paired()
	if err != nil {
		paired = false
	}

	// Discovery always runs — spec.md §4.5's table has Start -> Discovery
	// unconditional; the paired flag only decides what Discovery's success
	// routes to next (Pairing for an unpaired device, straight to
	// Connecting for one already paired+trusted).
	m.state = StateDiscovery
	if !m.runDiscovery(ctx, device) {
		return
	}

	if m.cancelled() {
		m.teardown(device, false)
		return
	}

	if !paired {
		m.state = StatePairing
		if !m.runPairing(ctx, device) {
			return
		}
		if m.backend.Registry != nil {
			m.backend.Registry.MarkPaired(m.mac, true)
		}

		m.state = StateTrusting
		m.emit(PhaseTrusting, 0, false)
		if err := device.SetTrusted(true); err != nil {
			m.fail(device, PhasePairingFailed, 0)
			return
		}
		if m.backend.Registry != nil {
			m.backend.Registry.MarkTrusted(m.mac, true)
		}
	} else if m.backend.Registry != nil {
		// Already paired+trusted per BlueZ; sync the registry's view so a
		// speaker connected before this daemon's registry existed (or one
		// whose Speaker record predates pairing) still shows up as
		// connected in the Pi-Status snapshot.
		m.backend.Registry.MarkPaired(m.mac, true)
		m.backend.Registry.MarkTrusted(m.mac, true)
	}

	if m.cancelled() {
		m.teardown(device, false)
		return
	}

	m.state = StateConnecting
	if !m.runConnecting(ctx, device) {
		return
	}

	if m.cancelled() {
		m.teardown(device, false)
		return
	}

	m.state = StateRouting
	m.runRouting(ctx, device)
}

func (m *Machine) runDiscovery(ctx context.Context, device *bluez.Device) bool {
	m.emit(PhaseDiscoveryStart, 0, false)

	dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	if err := m.backend.ScanMgr.EnsureDiscovery(dctx, m.hci); err != nil {
		m.fail(device, PhaseDiscoveryTimeout, 0)
		return false
	}
	defer m.backend.ScanMgr.ReleaseDiscovery(m.hci)

	if err := m.backend.ScanMgr.WaitForDevice(dctx, m.events, m.hci, m.mac); err != nil {
		m.fail(device, PhaseDiscoveryTimeout, 0)
		return false
	}

	m.emit(PhaseDiscoveryComplete, 0, false)
	return true
}

func (m *Machine) runPairing(ctx context.Context, device *bluez.Device) bool {
	m.emit(PhasePairingStart, 0, false)

	for attempt := 1; attempt <= maxPairAttempts; attempt++ {
		if m.cancelled() {
			m.teardown(device, false)
			return false
		}

		pctx, cancel := context.WithTimeout(ctx, pairTimeout)
		err := device.Pair(pctx)
		cancel()

		if err == nil {
			m.emit(PhasePairingSuccess, attempt, false)
			return true
		}

		m.log.Warn().Err(err).Int("attempt", attempt).Msg("pair attempt failed")
		m.emit(PhasePairingFailed, attempt, true)

		if attempt < maxPairAttempts {
			backoff(attempt)
		}
	}

	m.fail(device, PhasePairingFailed, maxPairAttempts)
	return false
}

func (m *Machine) runConnecting(ctx context.Context, device *bluez.Device) bool {
	m.emit(PhaseConnectStart, 0, false)

	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		if m.cancelled() {
			m.teardown(device, false)
			return false
		}

		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := device.Connect(cctx)
		cancel()

		if err == nil {
			return true
		}

		m.log.Warn().Err(err).Int("attempt", attempt).Msg("connect attempt failed")
		m.emit(PhaseConnectFailed, attempt, true)

		if attempt < maxConnectAttempts {
			backoff(attempt)
		}
	}

	m.fail(device, PhaseConnectFailed, maxConnectAttempts)
	return false
}

func (m *Machine) runRouting(ctx context.Context, device *bluez.Device) {
	rctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	if err := m.backend.Router.Route(rctx, m.mac, m.settings.LatencyMS); err != nil {
		m.log.Warn().Err(err).Msg("loopback creation failed")
		m.state = StateFailed
		m.emit(PhaseLoopbackFailed, 0, true)
		m.backend.Inventory.Release(m.hci, m.mac)
		return
	}

	left, right := audio.Gains(m.settings.Volume, m.settings.Balance)
	if err := m.backend.Router.SetVolume(m.mac, left, right); err != nil {
		m.log.Warn().Err(err).Msg("initial volume apply failed")
	}
	if m.settings.Muted {
		if err := m.backend.Router.SetMute(m.mac, true); err != nil {
			m.log.Warn().Err(err).Msg("initial mute apply failed")
		}
	}

	m.backend.Inventory.SettlePairing(m.hci)
	m.state = StateDone
	m.emit(PhaseConnectSuccess, 0, false)
}

// AdapterLost is called by C6 when C1 observes the assigned adapter
// disappear, per spec.md §4.1's adapter_lost contract. It is a terminal
// failure regardless of current phase.
func (m *Machine) AdapterLost() {
	m.Cancel()
	m.state = StateFailed
	m.emit(PhaseAdapterLost, 0, true)
}

func (m *Machine) fail(device *bluez.Device, phase PhaseKind, attempt int) {
	m.state = StateFailed
	m.emit(phase, attempt, true)
	m.backend.Inventory.Release(m.hci, m.mac)
}

func (m *Machine) teardown(device *bluez.Device, hadLoopback bool) {
	m.state = StateCancelled
	if hadLoopback {
		m.backend.Router.Unroute(m.mac)
	}
	m.backend.Inventory.Release(m.hci, m.mac)
	m.emit(PhaseCancelled, 0, false)
}

// backoff is the retry delay between pairing/connect attempts: linear in
// the attempt number, matching the teacher's plain-sleep retry style (no
// jitter library appears anywhere in the pack).
func backoff(attempt int) {
	time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
}
