// Package conntrack holds the authoritative connection table described in
// spec.md §4.4: per-peer link state (central vs peripheral role, RSSI,
// attempt timestamps, rate limits) and the operations the BLE engine and
// router use to decide who to connect to and who to send through. Grounded
// on the teacher's portal/corev2/metrics window (RSSI here takes the place
// of the teacher's per-path latency sample) and portal/corev2/routing
// decision maker (same "smoothed sample + cooldown-gated decision" shape,
// applied here to connection admission instead of multipath switching).
package conntrack

// RSSIWindowLen mirrors the teacher's latency window length; 16 samples is
// enough to smooth out single-reading BLE RSSI jitter without lagging a
// genuine signal-strength trend.
const RSSIWindowLen = 16

// RSSIWindow is a fixed-size ring of recent RSSI samples (dBm, negative)
// for one peer address, used to compute a smoothed signal estimate instead
// of reacting to every noisy scan result.
type RSSIWindow struct {
	samples [RSSIWindowLen]int16
	filled  [RSSIWindowLen]bool
	next    int
}

// Add records a new RSSI sample, overwriting the oldest slot.
func (w *RSSIWindow) Add(rssi int16) {
	w.samples[w.next] = rssi
	w.filled[w.next] = true
	w.next = (w.next + 1) % RSSIWindowLen
}

// Best returns the strongest (least negative) RSSI seen in the window,
// which is what spec.md §4.4's "best-known RSSI" calls for.
func (w *RSSIWindow) Best() (int16, bool) {
	var best int16 = -127
	found := false
	for i, ok := range w.filled {
		if !ok {
			continue
		}
		if !found || w.samples[i] > best {
			best = w.samples[i]
			found = true
		}
	}
	return best, found
}

// Average returns the mean of all recorded samples. Gating decisions use
// Best, not Average.
func (w *RSSIWindow) Average() float64 {
	var sum int64
	var count int64
	for i, ok := range w.filled {
		if ok {
			sum += int64(w.samples[i])
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}
