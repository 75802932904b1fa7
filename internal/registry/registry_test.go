package registry

import (
	"testing"

	"github.com/syncsonic/syncsonicd/internal/bluez"
)

func TestUpsertCreatesWithDefaultsThenReuses(t *testing.T) {
	r := New()
	mac := bluez.MustParseMAC("aa:bb:cc:dd:ee:ff")

	s := r.Upsert(mac, "My Speaker")
	if s.Settings != DefaultSettings() {
		t.Fatalf("settings = %+v, want defaults", s.Settings)
	}

	s.Settings.Volume = 42
	r.SetSettings(mac, s.Settings)

	again := r.Upsert(mac, "")
	if again.Settings.Volume != 42 {
		t.Fatalf("volume = %d, want 42 (upsert of known mac must not reset settings)", again.Settings.Volume)
	}
	if again.Name != "My Speaker" {
		t.Fatalf("name = %q, want preserved when upsert name is empty", again.Name)
	}
}

func TestAllowedDefaultsTrueForUnknownMAC(t *testing.T) {
	r := New()
	mac := bluez.MustParseMAC("11:22:33:44:55:66")
	if !r.Allowed(mac) {
		t.Fatalf("unknown MAC should default to allowed")
	}
}

func TestSetAllowedAndPairedList(t *testing.T) {
	r := New()
	mac := bluez.MustParseMAC("aa:bb:cc:dd:ee:ff")
	r.Upsert(mac, "speaker")

	r.SetAllowed(mac, false)
	if r.Allowed(mac) {
		t.Fatalf("expected Allowed to report false after SetAllowed(false)")
	}

	if got := r.PairedList(); len(got) != 0 {
		t.Fatalf("PairedList = %v, want empty before MarkPaired", got)
	}
	r.MarkPaired(mac, true)
	paired := r.PairedList()
	if len(paired) != 1 || paired[0].MAC != mac {
		t.Fatalf("PairedList = %+v, want [%v]", paired, mac)
	}
}

func TestRemoveForgetsSpeaker(t *testing.T) {
	r := New()
	mac := bluez.MustParseMAC("aa:bb:cc:dd:ee:ff")
	r.Upsert(mac, "speaker")
	r.Remove(mac)

	if _, ok := r.Get(mac); ok {
		t.Fatalf("expected Get to fail after Remove")
	}
}
