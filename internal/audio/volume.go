package audio

// Gains computes left/right channel volumes from a master volume (0-100)
// and a balance (0.0 full-left .. 1.0 full-right, 0.5 centered):
// left = volume*min(1, 2*(1-balance)), right = volume*min(1, 2*balance).
// At 0.5 both channels equal volume; leaning fully to one side zeroes the
// other. The 150 clamp on the return value is headroom for callers that
// layer a boost on top, not something this formula itself produces.
//
// This is spec.md's own formula, not either of the two disagreeing
// variants in the prior Python implementation (action_request_handlers.py
// vs ultrasonic_sync.py) — spec.md's Testable Properties §8 requires this
// exact shape, so it wins.
func Gains(volume int, balance float64) (left, right uint16) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	if balance < 0 {
		balance = 0
	}
	if balance > 1 {
		balance = 1
	}

	v := float64(volume)
	l := v * min1(2 * (1 - balance))
	r := v * min1(2*balance)

	return clampGain(l), clampGain(r)
}

func min1(x float64) float64 {
	if x > 1 {
		return 1
	}
	return x
}

func clampGain(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 150 {
		return 150
	}
	return uint16(v)
}
