package bluez

import "testing"

func TestParseMACRoundTrip(t *testing.T) {
	mac, err := ParseMAC("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}
	if got, want := mac.String(), "AA:BB:CC:DD:EE:FF"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParseMACRejectsMalformed(t *testing.T) {
	cases := []string{"", "aa:bb:cc", "aa:bb:cc:dd:ee:gg", "aabbccddeeff"}
	for _, c := range cases {
		if _, err := ParseMAC(c); err == nil {
			t.Errorf("ParseMAC(%q) = nil error, want error", c)
		}
	}
}

func TestMACComparable(t *testing.T) {
	a := MustParseMAC("aa:bb:cc:dd:ee:ff")
	b := MustParseMAC("AA:BB:CC:DD:EE:FF")
	if a != b {
		t.Fatalf("expected case-insensitive parse to produce equal MACs")
	}

	set := map[MAC]bool{a: true}
	if !set[b] {
		t.Fatalf("MAC should be usable as a map key across equal values")
	}
}

func TestPathSuffixRoundTrip(t *testing.T) {
	mac := MustParseMAC("aa:bb:cc:dd:ee:ff")
	suffix := mac.PathSuffix()
	if want := "dev_AA_BB_CC_DD_EE_FF"; suffix != want {
		t.Fatalf("PathSuffix() = %q, want %q", suffix, want)
	}

	path := "/org/bluez/hci0/" + suffix
	got, ok := MACFromDevicePath(path)
	if !ok {
		t.Fatalf("MACFromDevicePath(%q) failed", path)
	}
	if got != mac {
		t.Fatalf("MACFromDevicePath = %v, want %v", got, mac)
	}
}

func TestMACFromDevicePathRejectsNonDevicePath(t *testing.T) {
	if _, ok := MACFromDevicePath("/org/bluez/hci0"); ok {
		t.Fatalf("expected failure for an adapter path")
	}
}
