// Package sync is C8: the ultrasonic pairwise-delay measurement. It emits
// two inaudible 19kHz chirps through two connected speakers a fixed
// interval apart, records the result through a USB microphone, locates the
// two peaks in the recording, and nudges the leading speaker's latency to
// close the measured gap.
package sync

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/bluez"
)

// Burst parameters, ported from
// original_source/.../ultrasonic_sync.py's BURST_FREQ_HZ/BURST_DURATION_SEC/
// BURST_SAMPLE_RATE constants.
const (
	burstFreqHz     = 19000.0
	burstDurationS  = 0.2
	sampleRate      = 48000
	sendSpacingSec  = 1.0 // fixed gap between chirp A and chirp B, spec.md §4.8
	cycleTimeout    = 20 * time.Second
	minStepMS       = 2.0 // below this |delta_ms| is noise, no latency change applied
)

// generateBurstPCM synthesizes a burstDurationS-second 19kHz tone at
// sampleRate, with a short (5ms) linear fade in/out to avoid a click,
// ported from _generate_ultrasonic_wav.
func generateBurstPCM() []int {
	n := int(burstDurationS * sampleRate)
	fadeSamples := int(0.005 * sampleRate)
	out := make([]int, n)
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		sample := math.Sin(2 * math.Pi * burstFreqHz * t)

		gain := 1.0
		if i < fadeSamples {
			gain = float64(i) / float64(fadeSamples)
		} else if i > n-fadeSamples {
			gain = float64(n-i) / float64(fadeSamples)
		}
		out[i] = int(sample * gain * math.MaxInt16 * 0.8)
	}
	return out
}

// encodeBurstWAV renders the synthesized PCM as a mono 16-bit WAV in
// memory using go-audio/audio+go-audio/wav, replacing
// _generate_ultrasonic_wav's scipy.io.wavfile.write.
func encodeBurstWAV() ([]byte, error) {
	pcm := generateBurstPCM()
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   pcm,
		SourceBitDepth: 16,
	}

	var out bytes.Buffer
	enc := wav.NewEncoder(&wavWriteSeeker{buf: &out}, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("sync: encode burst wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("sync: close burst wav encoder: %w", err)
	}
	return out.Bytes(), nil
}

// playBurst plays the synthesized chirp directly to mac's own A2DP sink
// (not through the combined loopback, so the two chirps stay
// time-distinguishable), replacing play_burst_to_speaker's paplay
// subprocess call with a native Pulse playback stream.
func playBurst(ctx context.Context, client *pulse.Client, mac bluez.MAC, log zerolog.Logger) error {
	pcm := generateBurstPCM()
	samples := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		samples[2*i] = byte(s)
		samples[2*i+1] = byte(s >> 8)
	}

	sinkName := "bluez_sink." + macUnderscored(mac) + ".a2dp_sink"
	sink, err := client.SinkByID(sinkName)
	if err != nil {
		return fmt.Errorf("sync: resolve sink for %s: %w", mac, err)
	}

	reader := bytes.NewReader(samples)
	stream, err := client.NewPlayback(
		pulse.NewReader(reader, pulseproto.FormatInt16LE),
		pulse.PlaybackSink(sink),
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackMono,
		pulse.PlaybackMediaName("syncsonic ultrasonic burst"),
	)
	if err != nil {
		return fmt.Errorf("sync: create playback stream for %s: %w", mac, err)
	}
	defer stream.Close()

	stream.Start()
	deadline := time.Duration(burstDurationS*float64(time.Second)) + 200*time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(deadline):
	}
	stream.Stop()
	log.Debug().Str("mac", mac.String()).Msg("burst played")
	return nil
}

// newPlaybackClient opens one Pulse connection shared by both chirps in a
// cycle, avoiding a reconnect between burst A and burst B.
func newPlaybackClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("syncsonicd"))
	if err != nil {
		return nil, fmt.Errorf("sync: connect pulse for playback: %w", err)
	}
	return client, nil
}

func macUnderscored(mac bluez.MAC) string {
	s := mac.String()
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}

// wavWriteSeeker adapts a bytes.Buffer to io.WriteSeeker, which
// go-audio/wav's Encoder requires to backpatch the RIFF header sizes
// after writing sample data.
type wavWriteSeeker struct {
	buf *bytes.Buffer
	pos int64
}

func (w *wavWriteSeeker) Write(p []byte) (int, error) {
	if int(w.pos) < w.buf.Len() {
		// Overwrite in place for header backpatches.
		b := w.buf.Bytes()
		n := copy(b[w.pos:], p)
		w.pos += int64(n)
		if n < len(p) {
			extra := p[n:]
			w.buf.Write(extra)
			w.pos += int64(len(extra))
		}
		return len(p), nil
	}
	n, err := w.buf.Write(p)
	w.pos += int64(n)
	return n, err
}

func (w *wavWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		w.pos = offset
	case 1:
		w.pos += offset
	case 2:
		w.pos = int64(w.buf.Len()) + offset
	}
	return w.pos, nil
}
