package connsvc

import "github.com/syncsonic/syncsonicd/internal/bluez"

// PlanStatus is the outcome of connectPlan, ported from
// state_change/action_planning.py's connect_one_plan (supplemented
// feature, SPEC_FULL §6): deciding whether a Connect needs a fresh adapter
// assignment, is already satisfied, or can't proceed.
type PlanStatus int

const (
	PlanNeedsConnection PlanStatus = iota
	PlanAlreadyConnected
	PlanError
)

// Plan is connectPlan's result.
type Plan struct {
	Status     PlanStatus
	Adapter    string // hci to use, valid when Status == PlanNeedsConnection
	Disconnect []bluez.MAC
}

// connectPlan decides how to satisfy a Connect for target, given the
// adapters already assigned to other MACs. It never itself assigns or
// mutates state — Service.Connect acts on the returned Plan.
//
// Unlike action_planning.py's connect_one_plan, which may free up an
// adapter by disconnecting an *unallowed* speaker to make room, this port
// keeps strictly to spec.md §4.6's contract ("connect rejects with
// no_adapter when free_adapter() returns none") — no speaker is ever
// disconnected to make room for another, since spec.md names no such
// rebalancing operation. Disconnect is therefore always empty; the field
// is kept so a future rebalancing policy has somewhere to report into
// without changing the Plan shape.
func connectPlan(target bluez.MAC, alreadyAssigned string, freeAdapter func() (*bluez.Adapter, bool)) Plan {
	if alreadyAssigned != "" {
		return Plan{Status: PlanAlreadyConnected, Adapter: alreadyAssigned}
	}
	a, ok := freeAdapter()
	if !ok {
		return Plan{Status: PlanError}
	}
	return Plan{Status: PlanNeedsConnection, Adapter: a.HCI}
}
