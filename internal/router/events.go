// Package router implements the mesh core's single public entry point
// (spec.md §4.7, §6): send_private/broadcast/on_receive/cancel/
// set_nickname, wired on top of the codec, fragment, Noise session,
// connection tracker, relay, identity and BLE engine packages. Grounded
// on the teacher's typed-observer pattern (no loosely-typed listeners,
// spec.md §9) rather than bare callback registries.
package router

// PacketEvent is delivered to Observer.OnPacket after a packet has been
// fully decoded, reassembled (if fragmented), and decrypted (if Noise-
// wrapped) — the shape spec.md §4.7 calls "(packet_type, sender_fingerprint,
// plaintext_bytes)".
type PacketEvent struct {
	PacketType       byte
	SenderFingerprint [32]byte
	Plaintext        []byte
}

// PeerEventKind enumerates the peer-lifecycle transitions the router
// surfaces to external collaborators (spec.md §7 "user-visible failures":
// peer-went-offline, handshake-failed).
type PeerEventKind int

const (
	PeerDiscovered PeerEventKind = iota
	PeerHandshakeEstablished
	PeerHandshakeFailed
	PeerWentOffline
)

// PeerEvent is delivered to Observer.OnPeer.
type PeerEvent struct {
	Kind        PeerEventKind
	Fingerprint [32]byte
	Address     string
}

// Observer is the typed subscriber interface for subscribe() (spec.md §6,
// §9 "explicit observer interface ... not loosely-typed listener objects").
type Observer interface {
	OnPacket(event PacketEvent)
	OnPeer(event PeerEvent)
}

// funcObserver adapts the two plain callback functions subscribe() takes
// (spec.md §6 `subscribe(on_message_fn, on_peer_event_fn)`) to the typed
// Observer interface used internally.
type funcObserver struct {
	onPacket func(PacketEvent)
	onPeer   func(PeerEvent)
}

func (f funcObserver) OnPacket(event PacketEvent) {
	if f.onPacket != nil {
		f.onPacket(event)
	}
}

func (f funcObserver) OnPeer(event PeerEvent) {
	if f.onPeer != nil {
		f.onPeer(event)
	}
}
