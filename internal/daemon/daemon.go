// Package daemon is C9: the event loop and supervision layer that wires
// every other component together and multiplexes bus signals and periodic
// adapter housekeeping onto one cooperative loop (GATT writes reach the
// Dispatcher through the exported characteristic's D-Bus method handler,
// not through this loop) — the same goroutine-plus-channel shutdown shape
// the teacher's runDaemon/watchSignals pair used for a single Unix-socket
// listener, scaled to three event sources: shutdown, bus events and the
// refresh ticker.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/agent"
	"github.com/syncsonic/syncsonicd/internal/audio"
	"github.com/syncsonic/syncsonicd/internal/bluez"
	"github.com/syncsonic/syncsonicd/internal/connsvc"
	"github.com/syncsonic/syncsonicd/internal/fsm"
	"github.com/syncsonic/syncsonicd/internal/gatt"
	"github.com/syncsonic/syncsonicd/internal/registry"
	ultrasync "github.com/syncsonic/syncsonicd/internal/sync"
)

// adapterRefreshInterval re-scans BlueZ's adapter tree periodically — C1's
// object-manager watch only ever sees device InterfacesAdded/Removed and
// adapter PropertiesChanged (spec.md §4.1's documented mechanism for
// "controller disappeared"); a USB dongle physically unplugged/replugged
// needs this periodic Refresh to be reflected at all.
const adapterRefreshInterval = 30 * time.Second

// Daemon owns every component's lifecycle: construction, the D-Bus
// agent/GATT registration sequence, the event loop, and shutdown.
type Daemon struct {
	cfg Config
	log zerolog.Logger

	inv      *bluez.Inventory
	scanMgr  *bluez.ScanManager
	router   *audio.Router
	reg      *registry.Registry
	ag       *agent.Agent
	svc      *connsvc.Service
	syncMgr  *ultrasync.Manager
	server   *gatt.Server
	dispatch *gatt.Dispatcher

	daemonEvents <-chan bluez.Event
}

// latencyStore adapts *registry.Registry + *connsvc.Service to C8's
// sync.LatencyStore interface, avoiding an import cycle between
// internal/sync and internal/registry/internal/connsvc.
type latencyStore struct {
	reg *registry.Registry
	svc *connsvc.Service
}

func (l latencyStore) Latency(mac bluez.MAC) int {
	settings, ok := l.reg.Settings(mac)
	if !ok {
		return 0
	}
	return settings.LatencyMS
}

func (l latencyStore) SetLatency(ctx context.Context, mac bluez.MAC, ms int) error {
	return l.svc.SetLatency(ctx, mac, ms)
}

// New constructs every component and wires their callbacks together, but
// performs no D-Bus registration yet — call Start for that.
func New(cfg Config, log zerolog.Logger) (*Daemon, error) {
	inv, err := bluez.Connect(cfg.ReservedHCI, log)
	if err != nil {
		return nil, err
	}
	if err := inv.Refresh(); err != nil {
		inv.Close()
		return nil, fmt.Errorf("daemon: initial adapter refresh: %w", err)
	}

	scanMgr := bluez.NewScanManager(inv)

	router, err := audio.New(cfg.PulseServer, log)
	if err != nil {
		inv.Close()
		return nil, err
	}

	reg := registry.New()
	ag := agent.New(reg, log)

	// Two independent subscriptions over the same bus connection: one
	// feeds C6's per-MAC fan-out, the other feeds this loop's scan
	// forwarding and adapter-lost detection. godbus fans a signal out to
	// every channel registered via Conn.Signal, so this is exactly two
	// independent readers rather than one consumer starving the other.
	svcEvents, err := inv.Watch()
	if err != nil {
		router.Close()
		inv.Close()
		return nil, err
	}
	daemonEvents, err := inv.Watch()
	if err != nil {
		router.Close()
		inv.Close()
		return nil, err
	}

	server := gatt.NewServer(inv.Conn(), inv, nil, log)

	d := &Daemon{cfg: cfg, log: log.With().Str("component", "daemon").Logger(), inv: inv, scanMgr: scanMgr, router: router, reg: reg, ag: ag, server: server, daemonEvents: daemonEvents}

	svc := connsvc.New(inv, scanMgr, router, reg, svcEvents, d.onPhase, d.onSnapshot, log)
	d.svc = svc

	syncMgr := ultrasync.NewManager(router, latencyStore{reg: reg, svc: svc}, cfg.MicSource, cfg.DebugDir, log)
	d.syncMgr = syncMgr

	dispatch := gatt.NewDispatcher(server, inv, scanMgr, svc, reg, syncMgr, log)
	d.dispatch = dispatch
	server.SetWriteHandler(dispatch.Dispatch)

	return d, nil
}

// onPhase/onSnapshot are connsvc.New's callbacks. They forward to
// d.dispatch, which is constructed after svc (it needs a *connsvc.Service
// reference) — safe because both are only ever invoked from goroutines
// started later, in Start/Run, by which point d.dispatch is already set.
func (d *Daemon) onPhase(ev fsm.PhaseEvent) {
	if d.dispatch != nil {
		d.dispatch.OnPhase(ev)
	}
}

func (d *Daemon) onSnapshot(snap connsvc.Snapshot) {
	if d.dispatch != nil {
		d.dispatch.OnSnapshot(snap)
	}
}

// Start registers the pairing agent and the GATT application/advertisement
// with BlueZ, mirroring the prototype's Application.Start() call order
// (agent first, so any pairing triggered mid-registration is already
// handled) generalized from a single call site to this daemon's explicit
// two-step sequence.
func (d *Daemon) Start(ctx context.Context) error {
	if err := agent.Register(d.inv.Conn(), d.ag); err != nil {
		return fmt.Errorf("daemon: register agent: %w", err)
	}
	if err := d.server.Start(ctx); err != nil {
		return fmt.Errorf("daemon: start gatt server: %w", err)
	}
	d.log.Info().Msg("syncsonicd started")
	return nil
}

// Run drives the event loop until ctx is canceled, then shuts every
// component down in turn. It blocks for the lifetime of the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(adapterRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()

		case ev, ok := <-d.daemonEvents:
			if !ok {
				return d.shutdown()
			}
			d.handleEvent(ev)

		case <-ticker.C:
			if err := d.inv.Refresh(); err != nil {
				d.log.Warn().Err(err).Msg("periodic adapter refresh failed")
			}
		}
	}
}

func (d *Daemon) handleEvent(ev bluez.Event) {
	d.dispatch.HandleDeviceEvent(ev)

	if ev.Kind != bluez.EventAdapterPropertyChanged || ev.Property != "Powered" {
		return
	}
	powered, ok := ev.Value.(bool)
	if !ok || powered {
		return
	}
	d.log.Warn().Str("adapter", ev.HCI).Msg("adapter powered off, aborting any FSM holding it")
	d.svc.AdapterLost(ev.HCI)
}

// shutdown tears every component down: cancel/unroute every live FSM
// (C6.Shutdown), then close the audio and bus connections. The pairing
// agent and the GATT application/advertisement are not unregistered
// explicitly; closing the bus connection is the only teardown they get.
func (d *Daemon) shutdown() error {
	d.log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := d.svc.Shutdown(sctx); err != nil {
		d.log.Warn().Err(err).Msg("connsvc shutdown")
	}
	if err := d.router.Close(); err != nil {
		d.log.Warn().Err(err).Msg("audio router close")
	}
	if err := d.inv.Close(); err != nil {
		d.log.Warn().Err(err).Msg("bluez connection close")
	}
	return nil
}
