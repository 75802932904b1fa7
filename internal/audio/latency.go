package audio

import (
	"fmt"

	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/syncsonic/syncsonicd/internal/bluez"
)

// LatencyReport mirrors ultrasonic_sync.py's
// get_sink_latency_info_per_speaker / get_effective_loopback_latency_per_
// speaker (supplemented feature, SPEC_FULL §6): raw sink configured/actual
// latency plus the loopback's own buffering, so C8's correction step knows
// how much of a measured delta Pulse already accounts for.
type LatencyReport struct {
	SinkConfiguredUSec uint32
	SinkActualUSec     uint32
	LoopbackUSec       uint32
}

// EffectiveLatency reads mac's current sink and, if routed, its loopback's
// sink-input record to compute the total pipeline latency.
func (r *Router) EffectiveLatency(mac bluez.MAC) (LatencyReport, error) {
	sink, err := r.sinkInfo(mac)
	if err != nil {
		return LatencyReport{}, err
	}

	report := LatencyReport{
		SinkConfiguredUSec: sink.ConfiguredLatency,
		SinkActualUSec:     sink.Latency,
	}

	var inputs pulseproto.GetSinkInputInfoListReply
	if err := r.client.RawRequest(&pulseproto.GetSinkInputInfoList{}, &inputs); err != nil {
		return report, fmt.Errorf("audio: list sink inputs for %s: %w", mac, err)
	}
	for _, in := range inputs {
		if in == nil || in.SinkIndex != sink.SinkIndex {
			continue
		}
		report.LoopbackUSec += in.SinkUSec
	}
	return report, nil
}

// SinkLatencyBounds reports the min/max latency_msec module-loopback will
// accept without PulseAudio silently clamping the request — used by C8's
// PA-clamp compensation before asking for a corrected latency.
func SinkLatencyBounds() (minMS, maxMS int) {
	return 1, 2000
}
