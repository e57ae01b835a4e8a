package relay

import (
	"testing"
	"time"

	"github.com/gridmesh/meshcore/internal/conntrack"
	"github.com/gridmesh/meshcore/internal/wire"
)

type fakeIdentity struct {
	local [8]byte
}

func (f fakeIdentity) IsLocalRecipient(id [8]byte) bool { return id == f.local }

func makeBroadcast(ttl byte) *wire.Packet {
	return &wire.Packet{
		Version:     wire.VersionSingleLength,
		Type:        wire.TypeMessage,
		TTL:         ttl,
		Timestamp:   1_700_000_000_000,
		SenderID:    [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		RecipientID: &wire.BroadcastRecipient,
		Payload:     []byte("hello"),
	}
}

func TestProcess_DedupDropsSecondDelivery(t *testing.T) {
	p := NewProcessor()
	id := fakeIdentity{local: [8]byte{9, 9, 9, 9, 9, 9, 9, 9}}
	now := time.Now()

	pkt := makeBroadcast(7)
	out1 := p.Process(pkt, id, now)
	if out1.Decision != DecisionForward {
		t.Fatalf("expected first delivery to forward, got %v", out1.Decision)
	}

	out2 := p.Process(pkt, id, now)
	if out2.Decision != DecisionDropDuplicate {
		t.Fatalf("expected second delivery to be deduped, got %v", out2.Decision)
	}
}

func TestProcess_TTLExhaustedNotForwarded(t *testing.T) {
	p := NewProcessor()
	id := fakeIdentity{local: [8]byte{9, 9, 9, 9, 9, 9, 9, 9}}
	now := time.Now()

	pkt := makeBroadcast(1)
	out := p.Process(pkt, id, now)
	if out.Decision != DecisionForward || out.Forwarded.TTL != 0 {
		t.Fatalf("expected forward with ttl=0, got decision=%v ttl=%d", out.Decision, out.Forwarded.TTL)
	}

	// Next hop receives the ttl=0 packet as a fresh frame (different node,
	// fresh processor) and must not relay it further.
	p2 := NewProcessor()
	out2 := p2.Process(out.Forwarded, id, now)
	if out2.Decision != DecisionDropTTLExhausted {
		t.Fatalf("expected ttl-exhausted drop, got %v", out2.Decision)
	}
}

func TestProcess_LocalRecipientDeliveredNotForwarded(t *testing.T) {
	p := NewProcessor()
	local := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	id := fakeIdentity{local: local}
	now := time.Now()

	pkt := makeBroadcast(7)
	pkt.RecipientID = &local

	out := p.Process(pkt, id, now)
	if out.Decision != DecisionDeliverLocal {
		t.Fatalf("expected local delivery, got %v", out.Decision)
	}
}

func TestSelectForwardLinks_ExcludesIncoming(t *testing.T) {
	pkt := makeBroadcast(7)
	links := []conntrack.Link{
		{Address: "a"}, {Address: "b"}, {Address: "c"},
	}
	out := SelectForwardLinks(pkt, links, "b", nil)
	if len(out) != 2 {
		t.Fatalf("expected 2 links excluding incoming, got %d", len(out))
	}
	for _, l := range out {
		if l.Address == "b" {
			t.Fatal("incoming link must be excluded from forward set")
		}
	}
}

func TestSelectForwardLinks_SourceRoutePicksNextHop(t *testing.T) {
	hopA := [8]byte{0xA}
	hopB := [8]byte{0xB}
	pkt := makeBroadcast(7)
	pkt.Route = [][8]byte{hopA, hopB}

	resolve := func(id [8]byte) (string, bool) {
		switch id {
		case hopA:
			return "addr-a", true
		case hopB:
			return "addr-b", true
		}
		return "", false
	}

	links := []conntrack.Link{{Address: "addr-a"}, {Address: "addr-b"}, {Address: "addr-c"}}
	out := SelectForwardLinks(pkt, links, "addr-a", resolve)
	if len(out) != 1 || out[0].Address != "addr-b" {
		t.Fatalf("expected source-route to select addr-b only, got %+v", out)
	}
}
