// Package fsm drives the per-speaker connect lifecycle: discovery → pair →
// trust → connect → route, with bounded retries and cooperative
// cancellation. One Machine exists per MAC, owned and scheduled by
// internal/connsvc.
package fsm

import "github.com/syncsonic/syncsonicd/internal/bluez"

// PhaseKind enumerates every phase event a Machine can emit. A tagged
// struct carries these instead of string dispatch — spec.md §9's
// "ad-hoc string dispatch on phases" redesign note.
type PhaseKind int

const (
	PhaseFSMStart PhaseKind = iota
	PhaseDiscoveryStart
	PhaseDiscoveryComplete
	PhaseDiscoveryTimeout
	PhasePairingStart
	PhasePairingSuccess
	PhasePairingFailed
	PhaseTrusting
	PhaseConnectStart
	PhaseConnectSuccess
	PhaseConnectFailed
	PhaseLoopbackFailed
	PhaseAdapterLost
	PhaseCancelled
)

// String returns the exact wire string spec.md §4.5 names for each phase,
// used verbatim in 0x70 notification frames.
func (p PhaseKind) String() string {
	switch p {
	case PhaseFSMStart:
		return "fsm_start"
	case PhaseDiscoveryStart:
		return "discovery_start"
	case PhaseDiscoveryComplete:
		return "discovery_complete"
	case PhaseDiscoveryTimeout:
		return "discovery_timeout"
	case PhasePairingStart:
		return "pairing_start"
	case PhasePairingSuccess:
		return "pairing_success"
	case PhasePairingFailed:
		return "pairing_failed"
	case PhaseTrusting:
		return "trusting"
	case PhaseConnectStart:
		return "connect_start"
	case PhaseConnectSuccess:
		return "connect_success"
	case PhaseConnectFailed:
		return "connect_failed"
	case PhaseLoopbackFailed:
		return "loopback_failed"
	case PhaseAdapterLost:
		return "adapter_lost"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PhaseEvent is the one concrete type every Machine publishes, per {phase,
// device=MAC, attempt?, state?} in spec.md §4.5.
type PhaseEvent struct {
	Phase   PhaseKind
	Device  bluez.MAC
	Attempt int  // 1-based; 0 means "not applicable"
	Error   bool // true for *_failed/timeout/adapter_lost phases
}

// State is the Machine's current position in the lifecycle table.
type State int

const (
	StateStart State = iota
	StateDiscovery
	StatePairing
	StateTrusting
	StateConnecting
	StateRouting
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateDiscovery:
		return "discovery"
	case StatePairing:
		return "pairing"
	case StateTrusting:
		return "trusting"
	case StateConnecting:
		return "connecting"
	case StateRouting:
		return "routing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of Done/Failed/Cancelled.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}
