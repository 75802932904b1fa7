package fsm

import "testing"

func TestPhaseKindStringMatchesWireFormat(t *testing.T) {
	cases := map[PhaseKind]string{
		PhaseFSMStart:          "fsm_start",
		PhaseDiscoveryStart:    "discovery_start",
		PhaseDiscoveryComplete: "discovery_complete",
		PhaseDiscoveryTimeout:  "discovery_timeout",
		PhasePairingStart:      "pairing_start",
		PhasePairingSuccess:    "pairing_success",
		PhasePairingFailed:     "pairing_failed",
		PhaseTrusting:          "trusting",
		PhaseConnectStart:      "connect_start",
		PhaseConnectSuccess:    "connect_success",
		PhaseConnectFailed:     "connect_failed",
		PhaseLoopbackFailed:    "loopback_failed",
		PhaseAdapterLost:       "adapter_lost",
		PhaseCancelled:         "cancelled",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", phase, got, want)
		}
	}
}

func TestPhaseKindStringUnknown(t *testing.T) {
	if got := PhaseKind(999).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateStart:      false,
		StateDiscovery:  false,
		StatePairing:    false,
		StateTrusting:   false,
		StateConnecting: false,
		StateRouting:    false,
		StateDone:       true,
		StateFailed:     true,
		StateCancelled:  true,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}
