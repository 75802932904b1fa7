package audio

import (
	"testing"

	"github.com/syncsonic/syncsonicd/internal/bluez"
)

func TestSinkNameForMAC(t *testing.T) {
	mac := bluez.MustParseMAC("aa:bb:cc:dd:ee:ff")
	got := sinkNameForMAC(mac)
	want := "bluez_sink.AA_BB_CC_DD_EE_FF.a2dp_sink"
	if got != want {
		t.Fatalf("sinkNameForMAC = %q, want %q", got, want)
	}
}

func TestPulseVolumeScale(t *testing.T) {
	cases := map[uint16]uint32{
		0:   0,
		100: 65536,
		50:  32768,
		150: 98304,
	}
	for percent, want := range cases {
		if got := pulseVolume(percent); got != want {
			t.Errorf("pulseVolume(%d) = %d, want %d", percent, got, want)
		}
	}
}
