package sync

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DebugPaths names the three artifacts sync_once persisted per cycle:
// wav, spectrogram, meta — matching the prior implementation's
// SYNCSONIC_LAST_WAV/SYNCSONIC_SPECTROGRAM_PNG/SYNCSONIC_META_TXT
// constants, one directory level down instead of three separate
// environment-named files.
type DebugPaths struct {
	WavPath         string
	SpectrogramPath string
	MetaPath        string
}

const (
	debugWavName  = "last_capture.wav"
	debugSpecName = "spectrogram.pgm"
	debugMetaName = "meta.txt"
)

// writeDebugBundle persists the raw capture, a grayscale spectrogram
// heatmap, and a text summary to m.debugDir. The spectrogram is a PGM
// (portable graymap) instead of the original's matplotlib PNG with axis
// markers: no plotting/charting library appears anywhere in the example
// pack, and image/png alone can't render axis labels matplotlib did, so a
// flat heatmap over the same gonum FFT magnitudes preserves "a debug
// artifact exists" without inventing a fake charting dependency.
func (m *Manager) writeDebugBundle(pcm []int16, t1, t2, deltaMS float64) (DebugPaths, error) {
	if m.debugDir == "" {
		return DebugPaths{}, fmt.Errorf("sync: no debug directory configured")
	}
	if err := os.MkdirAll(m.debugDir, 0o755); err != nil {
		return DebugPaths{}, fmt.Errorf("sync: create debug dir: %w", err)
	}

	paths := DebugPaths{
		WavPath:         filepath.Join(m.debugDir, debugWavName),
		SpectrogramPath: filepath.Join(m.debugDir, debugSpecName),
		MetaPath:        filepath.Join(m.debugDir, debugMetaName),
	}

	if err := writeCaptureWAV(paths.WavPath, pcm); err != nil {
		return paths, err
	}
	frames := spectrogramMagnitudes(pcm, 1024, 512)
	if err := writeSpectrogramPGM(paths.SpectrogramPath, frames); err != nil {
		return paths, err
	}
	if err := writeMeta(paths.MetaPath, t1, t2, deltaMS); err != nil {
		return paths, err
	}
	return paths, nil
}

func writeCaptureWAV(path string, pcm []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sync: create %s: %w", path, err)
	}
	defer f.Close()

	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("sync: write %s: %w", path, err)
	}
	return enc.Close()
}

// writeSpectrogramPGM rasterizes FFT magnitude frames (time x frequency)
// into a grayscale PGM, log-scaled for visibility the way a spectrogram
// colormap would normally provide.
func writeSpectrogramPGM(path string, frames [][]float64) error {
	if len(frames) == 0 {
		return fmt.Errorf("sync: no spectrogram frames to write")
	}
	width := len(frames)
	height := len(frames[0])

	var maxMag float64
	for _, frame := range frames {
		for _, v := range frame {
			if v > maxMag {
				maxMag = v
			}
		}
	}
	if maxMag == 0 {
		maxMag = 1
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "P5\n%d %d\n255\n", width, height)
	pixels := make([]byte, width*height)
	for x, frame := range frames {
		for y := 0; y < height; y++ {
			// Index 0 is DC in frame order; flip so low frequencies
			// draw at the bottom like a conventional spectrogram.
			row := height - 1 - y
			mag := frame[row]
			db := 20 * math.Log10(1+mag/maxMag*9)
			v := byte(math.Min(255, math.Max(0, db/20*255)))
			pixels[y*width+x] = v
		}
	}
	buf.Write(pixels)

	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func writeMeta(path string, t1, t2, deltaMS float64) error {
	content := fmt.Sprintf(
		"generated_at: %s\nt1_sec: %.6f\nt2_sec: %.6f\ndelta_ms: %.3f\n",
		time.Now().UTC().Format(time.RFC3339), t1, t2, deltaMS,
	)
	return os.WriteFile(path, []byte(content), 0o644)
}
