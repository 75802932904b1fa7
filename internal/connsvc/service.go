// Package connsvc is C6: the Connection Service. It owns every live FSM,
// allocates adapters to speakers, serializes operations that touch the
// same MAC or adapter, and publishes Pi-Status snapshots.
package connsvc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/syncsonic/syncsonicd/internal/audio"
	"github.com/syncsonic/syncsonicd/internal/bluez"
	"github.com/syncsonic/syncsonicd/internal/fsm"
	"github.com/syncsonic/syncsonicd/internal/registry"
)

// ErrNoAdapter is returned by Connect when no assignable adapter is free,
// spec.md §4.6's no_adapter rejection.
var ErrNoAdapter = errors.New("connsvc: no free adapter")

// Snapshot is the derived Pi-Status record, spec.md §3.
type Snapshot struct {
	Connected []bluez.MAC
	Scanning  bool
}

// Service is C6.
type Service struct {
	inv     *bluez.Inventory
	scanMgr *bluez.ScanManager
	router  *audio.Router
	reg     *registry.Registry
	log     zerolog.Logger

	// rawEvents is the single daemon-wide bluez event stream; fanOut
	// demuxes it by MAC into per-Machine channels so two Machines
	// discovering concurrently on different adapters don't steal each
	// other's InterfacesAdded events off one shared channel.
	rawEvents <-chan bluez.Event
	macSubs   map[bluez.MAC]chan bluez.Event

	onPhase    func(fsm.PhaseEvent)
	onSnapshot func(Snapshot)

	// adapterLocks gives two FSMs on different adapters true concurrent
	// progress while serializing anything that touches the same adapter —
	// spec.md §4.6/§5's per-adapter cooperative lock, expressed with
	// golang.org/x/sync/semaphore.Weighted(1) rather than a bare
	// sync.Mutex so the same type also backs a future multi-slot adapter
	// policy without a rewrite.
	mu           sync.Mutex
	adapterLocks map[string]*semaphore.Weighted
	macLocks     map[bluez.MAC]*sync.Mutex
	machines     map[bluez.MAC]*fsm.Machine
	machineDone  map[bluez.MAC]context.CancelFunc
}

// New builds a Service. onPhase/onSnapshot are called from whichever
// goroutine observes the event (Service makes no ordering promise across
// MACs, only within one, per spec.md §5) — callers forward these onto
// C7's outbound queue.
func New(inv *bluez.Inventory, scanMgr *bluez.ScanManager, router *audio.Router, reg *registry.Registry, events <-chan bluez.Event, onPhase func(fsm.PhaseEvent), onSnapshot func(Snapshot), log zerolog.Logger) *Service {
	s := &Service{
		inv:          inv,
		scanMgr:      scanMgr,
		router:       router,
		reg:          reg,
		log:          log.With().Str("component", "connsvc").Logger(),
		rawEvents:    events,
		macSubs:      make(map[bluez.MAC]chan bluez.Event),
		onPhase:      onPhase,
		onSnapshot:   onSnapshot,
		adapterLocks: make(map[string]*semaphore.Weighted),
		macLocks:     make(map[bluez.MAC]*sync.Mutex),
		machines:     make(map[bluez.MAC]*fsm.Machine),
		machineDone:  make(map[bluez.MAC]context.CancelFunc),
	}
	go s.fanOut()
	return s
}

// fanOut demuxes the shared bluez event stream to whichever Machine (if
// any) is currently subscribed for that device's MAC. Only device-added
// events are MAC-routable this way; adapter-level events reach Machines
// through AdapterLost instead, called directly by C9's event loop.
func (s *Service) fanOut() {
	for ev := range s.rawEvents {
		if ev.Kind != bluez.EventDeviceAdded {
			continue
		}
		s.mu.Lock()
		ch, ok := s.macSubs[ev.MAC]
		s.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- ev:
		default:
			s.log.Warn().Str("mac", ev.MAC.String()).Msg("dropped device-added event: subscriber channel full")
		}
	}
}

func (s *Service) subscribeMAC(mac bluez.MAC) <-chan bluez.Event {
	ch := make(chan bluez.Event, 4)
	s.mu.Lock()
	s.macSubs[mac] = ch
	s.mu.Unlock()
	return ch
}

func (s *Service) unsubscribeMAC(mac bluez.MAC) {
	s.mu.Lock()
	delete(s.macSubs, mac)
	s.mu.Unlock()
}

func (s *Service) adapterLock(hci string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.adapterLocks[hci]
	if !ok {
		l = semaphore.NewWeighted(1)
		s.adapterLocks[hci] = l
	}
	return l
}

func (s *Service) macLock(mac bluez.MAC) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.macLocks[mac]
	if !ok {
		l = &sync.Mutex{}
		s.macLocks[mac] = l
	}
	return l
}

// Connect implements spec.md §4.6's connect(mac, name, settings, allowed).
// It returns ErrNoAdapter synchronously (no FSM created) if connectPlan
// can't place the speaker; otherwise it spawns a Machine and returns
// immediately — the lifecycle plays out as phase events on onPhase.
func (s *Service) Connect(ctx context.Context, mac bluez.MAC, name string, settings fsm.Settings, allowed []bluez.MAC) error {
	lock := s.macLock(mac)
	lock.Lock()
	defer lock.Unlock()

	if _, running := s.machineRef(mac); running {
		return fmt.Errorf("connsvc: %s already has a running FSM", mac)
	}

	speaker := s.reg.Upsert(mac, name)
	for _, a := range allowed {
		if a == mac {
			s.reg.SetAllowed(mac, true)
		}
	}

	plan := connectPlan(mac, speaker.Adapter, s.inv.FreeAdapter)
	switch plan.Status {
	case PlanAlreadyConnected:
		s.publishSnapshot()
		return nil
	case PlanError:
		s.onPhase(fsm.PhaseEvent{Phase: fsm.PhaseFSMStart, Device: mac})
		return ErrNoAdapter
	}

	aLock := s.adapterLock(plan.Adapter)
	if !aLock.TryAcquire(1) {
		return fmt.Errorf("connsvc: adapter %s busy", plan.Adapter)
	}

	if err := s.inv.Assign(plan.Adapter, mac); err != nil {
		aLock.Release(1)
		return err
	}
	s.reg.SetAdapter(mac, plan.Adapter)

	backend := fsm.Backend{Inventory: s.inv, ScanMgr: s.scanMgr, Router: s.router, Registry: s.reg}
	runCtx, cancel := context.WithCancel(context.Background())

	macEvents := s.subscribeMAC(mac)
	onPhase, releaseAdapter := s.wrapPhase(plan.Adapter, aLock)
	machine := fsm.New(mac, name, plan.Adapter, settings, backend, macEvents, onPhase, s.log)

	s.mu.Lock()
	s.machines[mac] = machine
	s.machineDone[mac] = cancel
	s.mu.Unlock()

	go func() {
		machine.Run(runCtx)
		releaseAdapter()
		s.unsubscribeMAC(mac)
		s.mu.Lock()
		delete(s.machines, mac)
		delete(s.machineDone, mac)
		s.mu.Unlock()
		// A non-Done terminal state (Failed/Cancelled) means this MAC never
		// reached Routing — clear the registry's adapter assignment so a
		// later Connect doesn't hit connectPlan's already-assigned branch
		// and silently no-op forever, spec.md §7's "C6 may accept a later
		// Connect once a resource frees" for discovery_timeout/
		// pairing_failed/connect_failed/loopback_failed alike.
		if machine.State() != fsm.StateDone {
			s.reg.SetAdapter(mac, "")
		}
		if machine.State().Terminal() {
			s.publishSnapshot()
		}
	}()

	return nil
}

// wrapPhase forwards a Machine's phase events to onPhase and releases the
// adapter lock once the Machine reaches a terminal state. The returned
// release func (called when Run returns) covers Failed terminations whose
// phase — discovery_timeout, pairing_failed, connect_failed — is not
// terminal on its own; a sync.Once keeps the release single. The Machine
// itself only calls Inventory.Release, which frees the *assignment*; the
// cooperative lock that serialized concurrent Connects on this adapter is
// this Service's concern, not the FSM's.
func (s *Service) wrapPhase(hci string, aLock *semaphore.Weighted) (func(fsm.PhaseEvent), func()) {
	var once sync.Once
	release := func() {
		once.Do(func() {
			aLock.Release(1)
			s.log.Debug().Str("adapter", hci).Msg("adapter lock released")
		})
	}
	return func(ev fsm.PhaseEvent) {
		s.onPhase(ev)
		if isTerminalPhase(ev.Phase) {
			release()
		}
	}, release
}

func isTerminalPhase(p fsm.PhaseKind) bool {
	switch p {
	case fsm.PhaseConnectSuccess, fsm.PhaseLoopbackFailed, fsm.PhaseAdapterLost, fsm.PhaseCancelled:
		return true
	default:
		return false
	}
}

func (s *Service) machineRef(mac bluez.MAC) (*fsm.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[mac]
	return m, ok
}

// Disconnect implements spec.md §4.6's disconnect(mac): cancels the FSM if
// running and calls C4.unroute + adapter disconnect regardless of FSM
// phase.
func (s *Service) Disconnect(ctx context.Context, mac bluez.MAC) error {
	lock := s.macLock(mac)
	lock.Lock()
	defer lock.Unlock()

	if m, ok := s.machineRef(mac); ok {
		m.Cancel()
		<-m.Done()
	}

	s.router.Unroute(mac)

	speaker, ok := s.reg.Get(mac)
	if ok && speaker.Adapter != "" {
		dev := s.inv.DeviceAt(speaker.Adapter, mac)
		_ = dev.Disconnect(ctx)
		s.inv.Release(speaker.Adapter, mac)
	}
	s.reg.SetAdapter(mac, "")

	s.onPhase(fsm.PhaseEvent{Phase: fsm.PhaseCancelled, Device: mac})
	s.publishSnapshot()
	return nil
}

// SetVolume implements spec.md §4.6's set_volume(mac, v, b).
func (s *Service) SetVolume(mac bluez.MAC, volume int, balance float64) error {
	settings, ok := s.reg.Settings(mac)
	if !ok {
		return fmt.Errorf("connsvc: unknown speaker %s", mac)
	}
	settings.Volume = volume
	settings.Balance = balance
	s.reg.SetSettings(mac, settings)

	left, right := audio.Gains(volume, balance)
	return s.router.SetVolume(mac, left, right)
}

// SetLatency implements spec.md §4.6's set_latency(mac, ms).
func (s *Service) SetLatency(ctx context.Context, mac bluez.MAC, ms int) error {
	settings, ok := s.reg.Settings(mac)
	if !ok {
		return fmt.Errorf("connsvc: unknown speaker %s", mac)
	}
	settings.LatencyMS = ms
	s.reg.SetSettings(mac, settings)
	return s.router.SetLatency(ctx, mac, ms)
}

// SetMute implements spec.md §4.6's set_mute(mac, m): mute is distinct
// from volume=0, so unmuting restores the previously set volume.
func (s *Service) SetMute(mac bluez.MAC, muted bool) error {
	settings, ok := s.reg.Settings(mac)
	if !ok {
		return fmt.Errorf("connsvc: unknown speaker %s", mac)
	}
	settings.Muted = muted
	s.reg.SetSettings(mac, settings)
	return s.router.SetMute(mac, muted)
}

// Snapshot implements spec.md §4.6's snapshot().
func (s *Service) Snapshot() Snapshot {
	paired := s.reg.PairedList()
	connected := make([]bluez.MAC, 0, len(paired))
	for _, sp := range paired {
		if sp.Adapter != "" {
			connected = append(connected, sp.MAC)
		}
	}
	sort.Slice(connected, func(i, j int) bool {
		return connected[i].String() < connected[j].String()
	})
	return Snapshot{Connected: connected}
}

func (s *Service) publishSnapshot() {
	if s.onSnapshot != nil {
		s.onSnapshot(s.Snapshot())
	}
}

// AdapterLost notifies every Machine holding hci that it disappeared —
// spec.md §4.1's contract that C1 "notify C6 to abort any FSM that held
// it".
func (s *Service) AdapterLost(hci string) {
	s.mu.Lock()
	var victims []*fsm.Machine
	for _, m := range s.machines {
		if m.Adapter() == hci {
			victims = append(victims, m)
		}
	}
	s.mu.Unlock()

	for _, m := range victims {
		m.AdapterLost()
	}
}
