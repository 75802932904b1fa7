package sync

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// bandpass19k is a two-pole Butterworth bandpass biquad centered on
// burstFreqHz, ported from _bandpass_19k (scipy.signal.butter+filtfilt).
// No IIR/DSP filter library appears anywhere in the example pack or in
// go-audio, and a biquad is small enough that hand-rolling it is more
// honest than inventing a fake ecosystem dependency for fifteen lines of
// math (see DESIGN.md).
func bandpass19k(samples []int16) []float64 {
	const (
		centerHz = burstFreqHz
		qFactor  = 8.0
	)
	w0 := 2 * math.Pi * centerHz / sampleRate
	alpha := math.Sin(w0) / (2 * qFactor)
	cosW0 := math.Cos(w0)

	b0 := alpha
	b1 := 0.0
	b2 := -alpha
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	b0 /= a0
	b1 /= a0
	b2 /= a0
	a1 /= a0
	a2 /= a0

	out := make([]float64, len(samples))
	var x1, x2, y1, y2 float64
	for i, s := range samples {
		x0 := float64(s)
		y0 := b0*x0 + b1*x1 + b2*x2 - a1*y1 - a2*y2
		out[i] = y0
		x2, x1 = x1, x0
		y2, y1 = y1, y0
	}
	return out
}

// shortTimeEnergy computes windowed RMS energy over filtered, ported from
// _short_time_energy.
func shortTimeEnergy(filtered []float64, windowSamples int) []float64 {
	if windowSamples <= 0 {
		windowSamples = sampleRate / 100 // 10ms default
	}
	n := len(filtered) / windowSamples
	energy := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		start := i * windowSamples
		for j := start; j < start+windowSamples; j++ {
			sum += filtered[j] * filtered[j]
		}
		energy[i] = math.Sqrt(sum / float64(windowSamples))
	}
	return energy
}

// burstSegment is a contiguous run of above-threshold energy windows,
// ported from _find_contiguous_burst_segments.
type burstSegment struct {
	startWindow int
	endWindow   int
}

func findBurstSegments(energy []float64, threshold float64, minWindows int) []burstSegment {
	var segments []burstSegment
	inRun := false
	start := 0
	for i, e := range energy {
		above := e >= threshold
		if above && !inRun {
			inRun = true
			start = i
		} else if !above && inRun {
			inRun = false
			if i-start >= minWindows {
				segments = append(segments, burstSegment{startWindow: start, endWindow: i})
			}
		}
	}
	if inRun && len(energy)-start >= minWindows {
		segments = append(segments, burstSegment{startWindow: start, endWindow: len(energy)})
	}
	return segments
}

// refineOnset finds the sample index within [startWindow,endWindow) where
// energy first crosses halfway to the segment's peak, ported from
// _refine_burst_onset's sub-window refinement.
func refineOnset(energy []float64, seg burstSegment, windowSamples int) int {
	peak := 0.0
	for i := seg.startWindow; i < seg.endWindow && i < len(energy); i++ {
		if energy[i] > peak {
			peak = energy[i]
		}
	}
	half := peak / 2
	for i := seg.startWindow; i < seg.endWindow && i < len(energy); i++ {
		if energy[i] >= half {
			return i * windowSamples
		}
	}
	return seg.startWindow * windowSamples
}

// detectTwoBurstTimes locates the two chirp onsets in a recording and
// returns their times in seconds from the start of capture, ported from
// detect_two_burst_times.
func detectTwoBurstTimes(pcm []int16) (t1, t2 float64, ok bool) {
	filtered := bandpass19k(pcm)
	windowSamples := sampleRate / 100 // 10ms windows
	energy := shortTimeEnergy(filtered, windowSamples)

	var peak float64
	for _, e := range energy {
		if e > peak {
			peak = e
		}
	}
	if peak == 0 {
		return 0, 0, false
	}
	threshold := peak * 0.3
	minWindows := int(burstDurationS*100) / 2 // require at least half the burst duration

	segments := findBurstSegments(energy, threshold, minWindows)
	if len(segments) < 2 {
		return 0, 0, false
	}

	onset1 := refineOnset(energy, segments[0], windowSamples)
	onset2 := refineOnset(energy, segments[1], windowSamples)

	t1 = float64(onset1) / sampleRate
	t2 = float64(onset2) / sampleRate
	return t1, t2, true
}

// spectrogramMagnitudes computes a magnitude spectrogram over pcm using
// gonum's real FFT, in place of scipy.signal.spectrogram — replacing
// matplotlib's chart (no charting library exists anywhere in the pack)
// with raw magnitude data that debug_bundle.go rasterizes to a PGM
// heatmap.
func spectrogramMagnitudes(pcm []int16, windowSamples, hopSamples int) [][]float64 {
	if windowSamples <= 0 {
		windowSamples = 1024
	}
	if hopSamples <= 0 {
		hopSamples = windowSamples / 2
	}
	fft := fourier.NewFFT(windowSamples)
	window := make([]float64, windowSamples)

	var frames [][]float64
	for start := 0; start+windowSamples <= len(pcm); start += hopSamples {
		for i := 0; i < windowSamples; i++ {
			// Hann window to reduce spectral leakage.
			hann := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(windowSamples-1)))
			window[i] = float64(pcm[start+i]) * hann
		}
		coeffs := fft.Coefficients(nil, window)
		mags := make([]float64, len(coeffs))
		for i, c := range coeffs {
			mags[i] = math.Hypot(real(c), imag(c))
		}
		frames = append(frames, mags)
	}
	return frames
}
