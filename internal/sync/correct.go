package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/audio"
	"github.com/syncsonic/syncsonicd/internal/bluez"
)

// ErrSyncInFlight is returned when a second sync is requested while one is
// already running — spec.md §4.8: "Only one sync may run at a time."
var ErrSyncInFlight = errors.New("sync: a cycle is already running")

// ErrWrongSpeakerCount is returned when connected doesn't name exactly two
// speakers, spec.md §4.8's precondition.
var ErrWrongSpeakerCount = errors.New("sync: requires exactly two connected speakers")

// Result is what a completed cycle reports to the phone as a 0xF0 ack.
type Result struct {
	DeltaMS    float64
	Leading    bluez.MAC
	Lagging    bluez.MAC
	Applied    bool
	DebugPaths DebugPaths
}

// LatencyStore lets Manager read/write a speaker's latency setting without
// importing internal/registry or internal/connsvc directly — C9 wires the
// real registry-backed implementation in.
type LatencyStore interface {
	Latency(mac bluez.MAC) int
	SetLatency(ctx context.Context, mac bluez.MAC, ms int) error
}

// Manager is C8.
type Manager struct {
	router    *audio.Router
	store     LatencyStore
	micSource string
	debugDir  string
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewManager builds a Manager. debugDir is the well-known temp directory
// for wav/spectrogram/meta artifacts, spec.md §4.8.
func NewManager(router *audio.Router, store LatencyStore, micSource, debugDir string, log zerolog.Logger) *Manager {
	return &Manager{
		router:    router,
		store:     store,
		micSource: micSource,
		debugDir:  debugDir,
		log:       log.With().Str("component", "sync").Logger(),
	}
}

// RunSync executes one full cycle: emit chirp A through connected[0], wait
// sendSpacingSec, emit chirp B through connected[1], record throughout,
// locate peaks, compute delta_ms, apply it to the leading speaker's
// latency, and persist a debug bundle. Ported from ultrasonic_sync.py's
// sync_once.
func (m *Manager) RunSync(ctx context.Context, connected []bluez.MAC) (Result, error) {
	if len(connected) != 2 {
		return Result{}, ErrWrongSpeakerCount
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Result{}, ErrSyncInFlight
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	speakerA, speakerB := connected[0], connected[1]

	rec, err := startCapture(ctx, m.micSource, m.log)
	if err != nil {
		return Result{}, fmt.Errorf("sync: %w", err)
	}
	defer rec.stop()

	sendClient, err := newPlaybackClient()
	if err != nil {
		return Result{}, fmt.Errorf("sync: %w", err)
	}
	defer sendClient.Close()

	if err := playBurst(ctx, sendClient, speakerA, m.log); err != nil {
		return Result{}, fmt.Errorf("sync: play burst A: %w", err)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(time.Duration(sendSpacingSec * float64(time.Second))):
	}

	if err := playBurst(ctx, sendClient, speakerB, m.log); err != nil {
		return Result{}, fmt.Errorf("sync: play burst B: %w", err)
	}

	// Allow the tail of chirp B plus mic/loopback latency to land before
	// cutting capture.
	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
	}
	rec.stop()

	pcm := rec.pcm16()
	t1, t2, ok := detectTwoBurstTimes(pcm)
	if !ok {
		return Result{}, fmt.Errorf("sync: could not locate both burst peaks in recording")
	}

	deltaMS := (t2-t1)*1000 - sendSpacingSec*1000
	leading, lagging := speakerA, speakerB
	if deltaMS < 0 {
		leading, lagging = speakerB, speakerA
		deltaMS = -deltaMS
	}

	result := Result{DeltaMS: deltaMS, Leading: leading, Lagging: lagging}

	if debugBundle, err := m.writeDebugBundle(pcm, t1, t2, deltaMS); err != nil {
		m.log.Warn().Err(err).Msg("debug bundle persist failed")
	} else {
		result.DebugPaths = debugBundle
	}

	if deltaMS < minStepMS {
		return result, nil
	}

	if err := m.applyCorrection(ctx, leading, deltaMS); err != nil {
		return result, fmt.Errorf("sync: apply correction: %w", err)
	}
	result.Applied = true
	return result, nil
}

// applyCorrection adds deltaMS to leading's latency, clamped to
// audio.SinkLatencyBounds — PA-clamp compensation: if the requested value
// would exceed what PulseAudio accepts, the remainder is dropped rather
// than silently wrapped, matching apply_correction_with_feedback's
// allow_decrease=false default (never reduce an already-applied
// correction based on a single noisy cycle).
func (m *Manager) applyCorrection(ctx context.Context, leading bluez.MAC, deltaMS float64) error {
	minMS, maxMS := audio.SinkLatencyBounds()
	current := m.store.Latency(leading)
	target := current + int(deltaMS)
	if target < minMS {
		target = minMS
	}
	if target > maxMS {
		m.log.Warn().Str("mac", leading.String()).Int("target", target).Int("max", maxMS).Msg("correction clamped by PulseAudio latency ceiling")
		target = maxMS
	}
	return m.store.SetLatency(ctx, leading, target)
}
