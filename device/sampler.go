package device

import (
	"context"
	"time"
)

const samplerInterval = time.Second // spec §4.3: "1 s effective granularity"

// runSampler emits a throughput line per channel with a configured
// rate-logging interval, at a fixed 1 s cadence (spec §4.3/§6), on its own
// worker thread while Running. Grounded on the teacher's heartbeat
// service's ticker-driven select loop (services/heartbeat/service.go),
// generalized from one fixed interval to per-channel intervals aggregated
// under one ticker.
func (d *Device) runSampler(ctx context.Context) {
	tick := time.NewTicker(samplerInterval)
	defer tick.Stop()

	elapsed := 0
	prev := make(map[channelKey]uint64)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			elapsed++
			for _, ch := range d.arena.all() {
				if ch.RateLoggingSeconds <= 0 || elapsed%ch.RateLoggingSeconds != 0 {
					continue
				}
				snap := ch.Stats()
				key := channelKey{ch.Name, ch.Index}
				last := prev[key]
				d.Log.Info().
					Str("channel", ch.Name).
					Int("index", ch.Index).
					Uint64("bytes_tx", snap.BytesTx).
					Uint64("bytes_rx", snap.BytesRx).
					Uint64("messages_tx", snap.MessagesTx).
					Uint64("messages_rx", snap.MessagesRx).
					Uint64("bytes_rx_delta", snap.BytesRx-last).
					Msg("channel throughput")
				prev[key] = snap.BytesRx
			}
		}
	}
}

// channelKey identifies one subchannel for the sampler's delta tracking.
type channelKey struct {
	name  string
	index int
}
