package relay

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridmesh/meshcore/internal/conntrack"
	"github.com/gridmesh/meshcore/internal/wire"
)

// Decision is the outcome of running an inbound packet through the relay
// pipeline (spec.md §4.6).
type Decision int

const (
	// DecisionDropDuplicate means the packet was already seen; drop silently.
	DecisionDropDuplicate Decision = iota
	// DecisionDeliverLocal means recipient_id matched this node; pass upstream,
	// do not relay further.
	DecisionDeliverLocal
	// DecisionDropTTLExhausted means ttl == 0; drop without forwarding.
	DecisionDropTTLExhausted
	// DecisionForward means forward the TTL-decremented packet per the
	// returned link selection (flood to all-but-incoming, or source route).
	DecisionForward
)

// LocalIdentity answers "is this ID one of mine right now", covering both
// ephemeral peer ID rotation overlap and the static-fingerprint-derived ID
// a sender may still address (spec.md §4.6 step 3).
type LocalIdentity interface {
	IsLocalRecipient(id [8]byte) bool
}

// Outcome carries the relay decision and, for DecisionForward, the
// TTL-decremented packet to send onward.
type Outcome struct {
	Decision  Decision
	Forwarded *wire.Packet
}

// Processor runs the dedup + TTL + recipient-routing decision described in
// spec.md §4.6, steps 1-5.
type Processor struct {
	seen *SeenCache
}

// NewProcessor constructs a relay Processor backed by a fresh SeenCache.
func NewProcessor() *Processor {
	return &Processor{seen: NewSeenCache()}
}

// Process runs one inbound packet through the dedup/TTL/recipient pipeline.
// pkt must already be codec-decoded; fragment packets are processed one by
// one as they arrive, before reassembly. identity resolves whether
// recipient_id addresses this node.
func (p *Processor) Process(pkt *wire.Packet, identity LocalIdentity, now time.Time) Outcome {
	key := Key(pkt.SenderID, pkt.Timestamp, pkt.Payload)
	if p.seen.CheckAndInsert(key, now) {
		log.Debug().Str("sender", hex8(pkt.SenderID)).Msg("dropping duplicate packet")
		return Outcome{Decision: DecisionDropDuplicate}
	}

	if pkt.RecipientID != nil && identity.IsLocalRecipient(*pkt.RecipientID) {
		return Outcome{Decision: DecisionDeliverLocal}
	}

	if pkt.TTL == 0 {
		log.Debug().Str("sender", hex8(pkt.SenderID)).Msg("dropping ttl-exhausted packet")
		return Outcome{Decision: DecisionDropTTLExhausted}
	}

	forwarded := pkt.Clone()
	forwarded.TTL = pkt.TTL - 1
	return Outcome{Decision: DecisionForward, Forwarded: forwarded}
}

// AddressOfPeerID resolves a route hop's 8-byte peer ID to a BLE device
// address, for source-route forwarding decisions. The core wires this from
// the identity/conntrack layer's ephemeral-ID-to-address table.
type AddressOfPeerID func(peerID [8]byte) (address string, ok bool)

// SelectForwardLinks picks which links a forwarded packet goes out on
// (spec.md §4.6 step 5): every connected peer except the one it arrived
// from, unless the packet carries an explicit route, in which case only the
// single next hop on the prescribed path is selected (source-route mode).
func SelectForwardLinks(pkt *wire.Packet, links []conntrack.Link, incomingAddress string, resolve AddressOfPeerID) []conntrack.Link {
	if len(pkt.Route) > 0 {
		nextHop, ok := nextRouteHop(pkt, incomingAddress, resolve)
		if !ok {
			return nil
		}
		for _, l := range links {
			if l.Address == nextHop {
				return []conntrack.Link{l}
			}
		}
		return nil
	}

	out := make([]conntrack.Link, 0, len(links))
	for _, l := range links {
		if l.Address == incomingAddress {
			continue
		}
		out = append(out, l)
	}
	return out
}

// nextRouteHop finds the hop immediately following the one that matches
// incomingAddress in pkt.Route, falling back to the first hop if the
// incoming link can't be matched against any route entry (e.g. this node
// originated locally and is now relaying the first hop).
func nextRouteHop(pkt *wire.Packet, incomingAddress string, resolve AddressOfPeerID) (string, bool) {
	incomingIdx := -1
	for i, hop := range pkt.Route {
		addr, ok := resolve(hop)
		if ok && addr == incomingAddress {
			incomingIdx = i
			break
		}
	}

	nextIdx := incomingIdx + 1
	if nextIdx >= len(pkt.Route) {
		return "", false
	}
	return resolve(pkt.Route[nextIdx])
}

func hex8(b [8]byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xF]
	}
	return string(out)
}
