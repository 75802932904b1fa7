package bluez

import (
	"context"
	"fmt"
	"sync"
)

// ScanManager ref-counts StartDiscovery/StopDiscovery per adapter so two
// speakers pairing concurrently on the same adapter don't stomp each
// other's discovery session. Ported directly from
// state_management/scan_manager.py's _AdapterEntry/ensure_discovery/
// release_discovery (supplemented feature).
type ScanManager struct {
	inv *Inventory

	mu      sync.Mutex
	entries map[string]*scanEntry
}

type scanEntry struct {
	refcount int
}

// NewScanManager builds a ScanManager over inv.
func NewScanManager(inv *Inventory) *ScanManager {
	return &ScanManager{inv: inv, entries: make(map[string]*scanEntry)}
}

// EnsureDiscovery increments the refcount for hci, calling
// Adapter1.StartDiscovery on the 0->1 transition.
func (sm *ScanManager) EnsureDiscovery(ctx context.Context, hci string) error {
	sm.mu.Lock()
	e, ok := sm.entries[hci]
	if !ok {
		e = &scanEntry{}
		sm.entries[hci] = e
	}
	e.refcount++
	start := e.refcount == 1
	sm.mu.Unlock()

	if !start {
		return nil
	}

	sm.inv.mu.Lock()
	a, ok := sm.inv.adapters[hci]
	sm.inv.mu.Unlock()
	if !ok {
		return fmt.Errorf("bluez: unknown adapter %s", hci)
	}

	call := sm.inv.object(a.Path).CallWithContext(ctx, adapterIface+".StartDiscovery", 0)
	if call.Err != nil {
		sm.mu.Lock()
		e.refcount--
		sm.mu.Unlock()
		return fmt.Errorf("bluez: start discovery on %s: %w", hci, call.Err)
	}
	return nil
}

// ReleaseDiscovery decrements the refcount for hci, calling
// Adapter1.StopDiscovery on the 1->0 transition. Safe to call more times
// than EnsureDiscovery; it floors at zero.
func (sm *ScanManager) ReleaseDiscovery(hci string) {
	sm.mu.Lock()
	e, ok := sm.entries[hci]
	if !ok || e.refcount == 0 {
		sm.mu.Unlock()
		return
	}
	e.refcount--
	stop := e.refcount == 0
	sm.mu.Unlock()

	if !stop {
		return
	}

	sm.inv.mu.Lock()
	a, ok := sm.inv.adapters[hci]
	sm.inv.mu.Unlock()
	if !ok {
		return
	}
	// Best-effort: BlueZ already stopped discovery itself if the adapter
	// went away or discovery timed out server-side.
	sm.inv.object(a.Path).Call(adapterIface+".StopDiscovery", 0)
}

// WaitForDevice blocks until mac appears under hci's object tree (observed
// via an InterfacesAdded event on events) or ctx is canceled. Ported from
// scan_manager.py's wait_for_device, trading threading.Condition for a
// channel select since Go events already arrive on a channel.
func (sm *ScanManager) WaitForDevice(ctx context.Context, events <-chan Event, hci string, mac MAC) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("bluez: event stream closed while waiting for %s", mac)
			}
			if ev.Kind == EventDeviceAdded && ev.HCI == hci && ev.MAC == mac {
				return nil
			}
		}
	}
}
