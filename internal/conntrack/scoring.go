package conntrack

import "time"

// linkScore ranks a connected, subscribed link for the case spec.md §4.4
// calls out explicitly: "a peer reachable via both roles (client and
// server) is tracked as two records; sends pick the first ready one" —
// "first ready" is resolved here as "highest score", not insertion order,
// so a flaky central-role link doesn't keep winning over a solid
// peripheral-role one just because it connected first. Grounded on the
// teacher's portal/corev2/routing.DecisionMaker.calculateScore — same
// "lower is worse, weight RSSI/jitter-like signal" shape, collapsed from
// three metrics (latency/jitter/loss) to the one BLE actually exposes
// cheaply (RSSI), plus a role/recency tie-break.
type linkScore struct {
	address string
	role    Role
	score   float64
}

// scoreRecord computes a record's score: RSSI dominates (stronger signal,
// higher score), subscribed peripheral links get no role bonus over central
// — spec.md doesn't prefer one role over the other — and a very recent
// connection is scored slightly down until it has proven itself, mirroring
// the teacher's HighLossCount-gated distrust of a freshly-switched path.
func scoreRecord(r *Record, now time.Time) float64 {
	best, ok := r.RSSI.Best()
	rssiScore := -100.0
	if ok {
		rssiScore = float64(best)
	}

	age := now.Sub(r.ConnectedAt)
	recencyPenalty := 0.0
	if age < 2*time.Second {
		recencyPenalty = 5.0
	}

	return rssiScore - recencyPenalty
}

// bestOfDuplicates picks the highest-scoring record among same-address
// records held under different roles. Ties break toward Peripheral, since
// a peripheral-role link requires no outgoing connection attempt to use.
func bestOfDuplicates(records []*Record, now time.Time) *Record {
	if len(records) == 0 {
		return nil
	}
	best := records[0]
	bestScore := scoreRecord(best, now)
	for _, r := range records[1:] {
		s := scoreRecord(r, now)
		if s > bestScore || (s == bestScore && r.Role == RolePeripheral) {
			best = r
			bestScore = s
		}
	}
	return best
}
