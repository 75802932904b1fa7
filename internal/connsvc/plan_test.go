package connsvc

import (
	"testing"

	"github.com/syncsonic/syncsonicd/internal/bluez"
)

func mustMAC(t *testing.T, s string) bluez.MAC {
	t.Helper()
	mac, err := bluez.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return mac
}

func TestConnectPlanAlreadyAssignedReturnsSameAdapter(t *testing.T) {
	mac := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	plan := connectPlan(mac, "hci1", func() (*bluez.Adapter, bool) {
		t.Fatal("freeAdapter should not be consulted when already assigned")
		return nil, false
	})
	if plan.Status != PlanAlreadyConnected {
		t.Fatalf("status = %v, want PlanAlreadyConnected", plan.Status)
	}
	if plan.Adapter != "hci1" {
		t.Fatalf("adapter = %q, want hci1", plan.Adapter)
	}
}

func TestConnectPlanAssignsFreeAdapter(t *testing.T) {
	mac := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	plan := connectPlan(mac, "", func() (*bluez.Adapter, bool) {
		return &bluez.Adapter{HCI: "hci2", Role: bluez.RoleAssignable}, true
	})
	if plan.Status != PlanNeedsConnection {
		t.Fatalf("status = %v, want PlanNeedsConnection", plan.Status)
	}
	if plan.Adapter != "hci2" {
		t.Fatalf("adapter = %q, want hci2", plan.Adapter)
	}
	if len(plan.Disconnect) != 0 {
		t.Fatalf("disconnect = %v, want empty (no rebalancing policy)", plan.Disconnect)
	}
}

func TestConnectPlanNoFreeAdapterIsError(t *testing.T) {
	mac := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	plan := connectPlan(mac, "", func() (*bluez.Adapter, bool) {
		return nil, false
	})
	if plan.Status != PlanError {
		t.Fatalf("status = %v, want PlanError", plan.Status)
	}
}
