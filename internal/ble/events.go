package ble

import "github.com/gridmesh/meshcore/internal/conntrack"

// PeerEventKind enumerates the peer-lifecycle transitions the engine
// reports upward (spec.md §9 "typed events, not loosely-typed listeners").
type PeerEventKind int

const (
	PeerDiscovered PeerEventKind = iota
	PeerConnected
	PeerSubscribed
	PeerDisconnected
	PeerConnectFailed
	PeerSubscribeFailed
)

// PeerEvent is the typed peer-lifecycle notification delivered to RouterSink.
type PeerEvent struct {
	Kind    PeerEventKind
	Address string
	Role    conntrack.Role
}

// RouterSink is the abstract, non-owning back-reference the engine holds to
// deliver inbound frames and peer events upward (spec.md §9: "the engine
// calls up through an abstract RouterSink that the router registers once at
// startup", breaking the BLE-engine → delegate → router → BLE-engine
// reference cycle).
type RouterSink interface {
	OnInboundFrame(address string, role conntrack.Role, frame []byte)
	OnPeerEvent(event PeerEvent)
}
