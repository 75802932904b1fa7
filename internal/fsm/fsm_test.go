package fsm

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/bluez"
)

func newTestMachine(t *testing.T) (*Machine, *[]PhaseEvent) {
	t.Helper()
	mac := bluez.MustParseMAC("aa:bb:cc:dd:ee:ff")
	var events []PhaseEvent
	m := New(mac, "Test Speaker", "hci0", Settings{Volume: 70, Balance: 0.5}, Backend{}, make(chan bluez.Event), func(ev PhaseEvent) {
		events = append(events, ev)
	}, zerolog.Nop())
	return m, &events
}

func TestNewMachineStartsInStateStart(t *testing.T) {
	m, _ := newTestMachine(t)
	if m.State() != StateStart {
		t.Fatalf("State() = %v, want StateStart", m.State())
	}
	if m.Adapter() != "hci0" {
		t.Fatalf("Adapter() = %q, want hci0", m.Adapter())
	}
}

func TestCancelIsIdempotentAndObservable(t *testing.T) {
	m, _ := newTestMachine(t)
	if m.cancelled() {
		t.Fatalf("new Machine should not be cancelled")
	}

	m.Cancel()
	m.Cancel() // must not panic or double-close cancelCh

	if !m.cancelled() {
		t.Fatalf("expected cancelled() true after Cancel")
	}
}

func TestEmitForwardsToPublish(t *testing.T) {
	m, events := newTestMachine(t)
	m.emit(PhasePairingSuccess, 2, false)

	if len(*events) != 1 {
		t.Fatalf("events = %v, want exactly one", *events)
	}
	got := (*events)[0]
	if got.Phase != PhasePairingSuccess || got.Attempt != 2 || got.Error {
		t.Fatalf("event = %+v, want {PhasePairingSuccess 2 false}", got)
	}
	if got.Device != m.mac {
		t.Fatalf("event device = %v, want %v", got.Device, m.mac)
	}
}

func TestAdapterLostCancelsAndMarksFailed(t *testing.T) {
	m, events := newTestMachine(t)
	m.AdapterLost()

	if m.State() != StateFailed {
		t.Fatalf("State() = %v, want StateFailed", m.State())
	}
	if !m.cancelled() {
		t.Fatalf("AdapterLost must also cancel the Machine")
	}
	if len(*events) != 1 || (*events)[0].Phase != PhaseAdapterLost || !(*events)[0].Error {
		t.Fatalf("events = %v, want a single error PhaseAdapterLost", *events)
	}
}
