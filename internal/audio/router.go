// Package audio drives PulseAudio directly over its native protocol
// (github.com/jfreymuth/pulse) instead of shelling to pactl/paplay, to
// route each speaker's A2DP sink into a loopback, and to play/record the
// ultrasonic sync bursts.
package audio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/bluez"
)

// Router owns one PulseAudio client connection and the loopback modules it
// creates per speaker. Grounded on
// original_source/syncsonic_ble/helpers/pulseaudio_helpers.py's
// setup_pulseaudio/create_loopback, reimplemented over
// rbright-sotto/pulse.go's pulse.Client/RawRequest pattern.
type Router struct {
	client *pulse.Client
	log    zerolog.Logger

	loopbacks map[bluez.MAC]uint32 // mac -> loaded module-loopback index
}

// New connects to the PulseAudio server named by addr ("" selects the
// default, matching the teacher's env-with-fallback style elsewhere).
func New(addr string, log zerolog.Logger) (*Router, error) {
	opts := []pulse.ClientOption{
		pulse.ClientApplicationName("syncsonicd"),
	}
	if addr != "" {
		opts = append(opts, pulse.ClientServerString(addr))
	}
	client, err := pulse.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("audio: connect pulse server: %w", err)
	}
	return &Router{
		client:    client,
		log:       log.With().Str("component", "audio").Logger(),
		loopbacks: make(map[bluez.MAC]uint32),
	}, nil
}

func (r *Router) Close() error {
	r.client.Close()
	return nil
}

// sinkNameForMAC is BlueZ's naming convention for an A2DP sink exposed to
// PulseAudio: "bluez_sink.<AA_BB_CC_DD_EE_FF>.a2dp_sink".
func sinkNameForMAC(mac bluez.MAC) string {
	return "bluez_sink." + strings.ReplaceAll(mac.String(), ":", "_") + ".a2dp_sink"
}

// waitForSink polls GetSinkInfoList until the A2DP sink for mac appears or
// ctx is canceled, mirroring pulseaudio_helpers.create_loopback's
// wait-for-sink-by-prefix loop.
func (r *Router) waitForSink(ctx context.Context, mac bluez.MAC) (*pulseproto.GetSinkInfoReply, error) {
	want := sinkNameForMAC(mac)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		var sinks pulseproto.GetSinkInfoListReply
		if err := r.client.RawRequest(&pulseproto.GetSinkInfoList{}, &sinks); err == nil {
			for _, s := range sinks {
				if s != nil && s.SinkName == want {
					return s, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("audio: sink %s never appeared: %w", want, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Route loads a module-loopback from the phone-sourced virtual_out sink's
// monitor into mac's A2DP sink, replacing any prior loopback for mac —
// mirrors create_loopback's unload-conflicting-then-load sequence.
func (r *Router) Route(ctx context.Context, mac bluez.MAC, latencyMS int) error {
	r.Unroute(mac)

	sink, err := r.waitForSink(ctx, mac)
	if err != nil {
		return err
	}

	if latencyMS <= 0 {
		latencyMS = 40
	}
	args := fmt.Sprintf("source=virtual_out.monitor sink=%s latency_msec=%d", sink.SinkName, latencyMS)
	var reply pulseproto.LoadModuleReply
	req := &pulseproto.LoadModule{Name: "module-loopback", Args: args}
	if err := r.client.RawRequest(req, &reply); err != nil {
		return fmt.Errorf("audio: load loopback for %s: %w", mac, err)
	}

	r.loopbacks[mac] = reply.ModuleIndex
	r.log.Info().Str("mac", mac.String()).Uint32("module", reply.ModuleIndex).Msg("routed speaker")
	return nil
}

// Unroute unloads mac's loopback module, if any. Safe to call when mac
// isn't routed.
func (r *Router) Unroute(mac bluez.MAC) {
	idx, ok := r.loopbacks[mac]
	if !ok {
		return
	}
	delete(r.loopbacks, mac)
	req := &pulseproto.UnloadModule{ModuleIndex: idx}
	if err := r.client.RawRequest(req, nil); err != nil {
		r.log.Warn().Err(err).Str("mac", mac.String()).Msg("unload loopback failed")
	}
}

// sinkInfo fetches mac's current sink record, used by SetVolume/SetMute
// and by latency.go.
func (r *Router) sinkInfo(mac bluez.MAC) (*pulseproto.GetSinkInfoReply, error) {
	var sinks pulseproto.GetSinkInfoListReply
	if err := r.client.RawRequest(&pulseproto.GetSinkInfoList{}, &sinks); err != nil {
		return nil, fmt.Errorf("audio: list sinks: %w", err)
	}
	want := sinkNameForMAC(mac)
	for _, s := range sinks {
		if s != nil && s.SinkName == want {
			return s, nil
		}
	}
	return nil, fmt.Errorf("audio: no sink for %s", mac)
}

// SetVolume applies left/right channel volumes (0..150, per spec.md §4.4's
// boosted ceiling) computed by the balance law in volume.go.
func (r *Router) SetVolume(mac bluez.MAC, left, right uint16) error {
	sink, err := r.sinkInfo(mac)
	if err != nil {
		return err
	}
	cv := pulseproto.ChannelVolumes{pulseVolume(left), pulseVolume(right)}
	req := &pulseproto.SetSinkVolume{SinkIndex: sink.SinkIndex, ChannelVolumes: cv}
	if err := r.client.RawRequest(req, nil); err != nil {
		return fmt.Errorf("audio: set volume for %s: %w", mac, err)
	}
	return nil
}

// SetMute toggles the sink's mute flag.
func (r *Router) SetMute(mac bluez.MAC, muted bool) error {
	sink, err := r.sinkInfo(mac)
	if err != nil {
		return err
	}
	req := &pulseproto.SetSinkMute{SinkIndex: sink.SinkIndex, Mute: muted}
	if err := r.client.RawRequest(req, nil); err != nil {
		return fmt.Errorf("audio: set mute for %s: %w", mac, err)
	}
	return nil
}

// SetLatency reloads mac's loopback with a new latency_msec argument —
// module-loopback has no live-settable latency property, so this is an
// unload+reload, matching apply_correction's remedy when the delta exceeds
// the live adjustment BlueZ/Pulse allow.
func (r *Router) SetLatency(ctx context.Context, mac bluez.MAC, latencyMS int) error {
	return r.Route(ctx, mac, latencyMS)
}

// pulseVolume converts a 0..150 percent-style scale to Pulse's native
// volume units, where 65536 is 100%.
func pulseVolume(percent uint16) uint32 {
	return uint32(percent) * 65536 / 100
}
