// Package registry holds the in-memory record of every speaker the daemon
// has ever seen paired, keyed by MAC. BlueZ itself is the only durable
// store (pairing keys); this registry just layers application-level state
// (settings, last-known adapter, paired/trusted flags) over BlueZ's object
// tree.
package registry

import (
	"sync"

	"github.com/syncsonic/syncsonicd/internal/bluez"
)

// Settings holds the per-speaker tunables spec.md §4.4 exposes over GATT.
type Settings struct {
	Volume      int  // 0-100
	Balance     float64 // 0.0 (full left) .. 1.0 (full right), 0.5 centered
	Muted       bool
	LatencyMS   int
	Allowed     bool // membership in the daemon's "allowed" set, SPEC_FULL §12
}

// DefaultSettings mirrors spec.md §4.4's defaults for a newly registered
// speaker.
func DefaultSettings() Settings {
	return Settings{Volume: 70, Balance: 0.5, Muted: false, LatencyMS: 0, Allowed: true}
}

// Speaker is one registered Bluetooth speaker.
type Speaker struct {
	MAC      bluez.MAC
	Name     string
	Adapter  string // HCI name currently (or most recently) assigned
	Paired   bool
	Trusted  bool
	Settings Settings
}

// Registry is C2: the daemon's speaker table, safe for concurrent use by
// every FSM goroutine and the GATT dispatcher.
type Registry struct {
	mu       sync.RWMutex
	speakers map[bluez.MAC]*Speaker
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{speakers: make(map[bluez.MAC]*Speaker)}
}

// Upsert inserts mac if unseen (with default settings) or returns the
// existing record.
func (r *Registry) Upsert(mac bluez.MAC, name string) *Speaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.speakers[mac]; ok {
		if name != "" {
			s.Name = name
		}
		return s
	}
	s := &Speaker{MAC: mac, Name: name, Settings: DefaultSettings()}
	r.speakers[mac] = s
	return s
}

// Get returns the speaker for mac, if known.
func (r *Registry) Get(mac bluez.MAC) (Speaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.speakers[mac]
	if !ok {
		return Speaker{}, false
	}
	return *s, true
}

// MarkPaired records that BlueZ confirmed pairing for mac.
func (r *Registry) MarkPaired(mac bluez.MAC, paired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.speakers[mac]; ok {
		s.Paired = paired
	}
}

// MarkTrusted records that BlueZ confirmed trust for mac.
func (r *Registry) MarkTrusted(mac bluez.MAC, trusted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.speakers[mac]; ok {
		s.Trusted = trusted
	}
}

// SetAdapter records which HCI mac is currently assigned to (or clears it
// with "" on disconnect).
func (r *Registry) SetAdapter(mac bluez.MAC, hci string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.speakers[mac]; ok {
		s.Adapter = hci
	}
}

// Settings returns a copy of mac's current settings.
func (r *Registry) Settings(mac bluez.MAC) (Settings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.speakers[mac]
	if !ok {
		return Settings{}, false
	}
	return s.Settings, true
}

// SetSettings replaces mac's settings wholesale; callers mutate a copy
// obtained from Settings and write it back.
func (r *Registry) SetSettings(mac bluez.MAC, settings Settings) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.speakers[mac]
	if !ok {
		return false
	}
	s.Settings = settings
	return true
}

// PairedList returns every speaker BlueZ currently reports as paired,
// mirroring handle_get_paired's contract.
func (r *Registry) PairedList() []Speaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Speaker, 0, len(r.speakers))
	for _, s := range r.speakers {
		if s.Paired {
			out = append(out, *s)
		}
	}
	return out
}

// Allowed reports whether mac is in the daemon's allow-list, per SPEC_FULL
// §12's resolution of the "allowed list scope" Open Question: unknown MACs
// default to allowed so a first-time pairing from the phone app succeeds.
func (r *Registry) Allowed(mac bluez.MAC) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.speakers[mac]
	if !ok {
		return true
	}
	return s.Settings.Allowed
}

// SetAllowed flips mac's allow-list membership.
func (r *Registry) SetAllowed(mac bluez.MAC, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.speakers[mac]; ok {
		s.Settings.Allowed = allowed
	}
}

// Remove drops mac from the registry entirely (forget).
func (r *Registry) Remove(mac bluez.MAC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.speakers, mac)
}
