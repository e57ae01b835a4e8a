package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridmesh/meshcore/internal/ble"
	"github.com/gridmesh/meshcore/internal/conntrack"
	"github.com/gridmesh/meshcore/internal/filetransfer"
	"github.com/gridmesh/meshcore/internal/fragment"
	"github.com/gridmesh/meshcore/internal/identity"
	"github.com/gridmesh/meshcore/internal/noisesession"
	"github.com/gridmesh/meshcore/internal/relay"
	"github.com/gridmesh/meshcore/internal/wire"
)

// ErrPeerUnknown is returned by SendPrivate when no announce from the
// target fingerprint has been observed yet, so there is no ephemeral peer
// ID to address the packet to (spec.md §1 non-goal: best-effort only, no
// out-of-band peer discovery).
var ErrPeerUnknown = errors.New("router: peer fingerprint not yet observed")

// handshakeReapInterval is the tick period of Run's handshake ticker. The
// tick does no work: handshake timeouts are enforced when the next
// handshake message for that peer arrives.
const handshakeReapInterval = 5 * time.Second

// Sender abstracts the BLE engine's outbound path so Router doesn't need
// the concrete *ble.Engine type, matching the abstract-delegate pattern
// spec.md §9 applies to the engine→router direction, used here for the
// router→engine direction.
type Sender interface {
	Send(address string, role conntrack.Role, data []byte)
	BestLinks() []conntrack.Link
}

// Router is the mesh core's single public entry point (spec.md §4.7),
// gluing together the codec, fragment, Noise session, connection tracker,
// relay and identity layers and exposing send_private/broadcast/
// subscribe/cancel/set_nickname.
type Router struct {
	identity    *identity.Manager
	sessions    *noisesession.Manager
	relayProc   *relay.Processor
	reassembler *fragment.Reassembler
	tracker     *conntrack.Tracker
	sender      Sender

	dir       *directory
	transfers *transferTable

	obsMu    sync.RWMutex
	observer Observer

	nicknameMu sync.RWMutex
	nickname   string

	pendingMu sync.Mutex
	pending   map[[32]byte][]pendingSend
}

type pendingSend struct {
	payload []byte
	handle  TransferHandle
	state   *transferState
}

// identityLocalAdapter implements relay.LocalIdentity by delegating to
// identity.Manager.IsLocalRecipient. It does not treat the broadcast
// sentinel as local; local delivery of broadcasts happens in
// handleInboundPacket's forward branch.
type identityLocalAdapter struct {
	mgr *identity.Manager
}

func (a identityLocalAdapter) IsLocalRecipient(id [8]byte) bool {
	return a.mgr.IsLocalRecipient(id)
}

// NewRouter constructs a Router. sender is typically a *ble.Engine, taken
// as the narrow Sender interface so this package never imports a concrete
// BLE driver type.
func NewRouter(idMgr *identity.Manager, sessions *noisesession.Manager, tracker *conntrack.Tracker, sender Sender) *Router {
	return &Router{
		identity:    idMgr,
		sessions:    sessions,
		relayProc:   relay.NewProcessor(),
		reassembler: fragment.NewReassembler(),
		tracker:     tracker,
		sender:      sender,
		dir:         newDirectory(),
		transfers:   newTransferTable(),
		pending:     make(map[[32]byte][]pendingSend),
	}
}

// Run starts the router's fragment-reassembly reaper and blocks until ctx
// is cancelled. There is no active handshake-timeout sweep.
func (r *Router) Run(ctx context.Context) error {
	r.reassembler.Start()
	defer r.reassembler.Stop()

	ticker := time.NewTicker(handshakeReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Handshake timeouts are enforced lazily inside
			// noisesession.Manager.HandleHandshakeMessage on the next
			// message for a given peer; nothing to actively sweep here
			// beyond giving future reaping logic a place to live.
		}
	}
}

// Subscribe registers the callbacks external collaborators receive
// packet/peer events on (spec.md §6 `subscribe(on_message_fn,
// on_peer_event_fn)`).
func (r *Router) Subscribe(onMessage func(PacketEvent), onPeerEvent func(PeerEvent)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observer = funcObserver{onPacket: onMessage, onPeer: onPeerEvent}
}

func (r *Router) emitPacket(event PacketEvent) {
	r.obsMu.RLock()
	obs := r.observer
	r.obsMu.RUnlock()
	if obs != nil {
		obs.OnPacket(event)
	}
}

func (r *Router) emitPeer(event PeerEvent) {
	r.obsMu.RLock()
	obs := r.observer
	r.obsMu.RUnlock()
	if obs != nil {
		obs.OnPeer(event)
	}
}

// SetNickname updates the locally-advertised nickname and triggers a fresh
// announce packet (spec.md §6 `set_nickname(s)`).
func (r *Router) SetNickname(nickname string) error {
	if len(nickname) > maxNicknameBytes {
		return errors.New("router: nickname exceeds 64 bytes")
	}
	r.nicknameMu.Lock()
	r.nickname = nickname
	r.nicknameMu.Unlock()

	return r.sendAnnounce()
}

func (r *Router) sendAnnounce() error {
	r.nicknameMu.RLock()
	nickname := r.nickname
	r.nicknameMu.RUnlock()

	now := time.Now()
	senderID, _ := r.identity.Current(now)
	pkt := &wire.Packet{
		Type:      wire.TypeAnnounce,
		TTL:       wire.DefaultTTL,
		Timestamp: uint64(now.UnixMilli()),
		SenderID:  senderID,
		Payload:   encodeAnnounce(r.identity.Credential().Fingerprint(), nickname),
	}
	_, err := r.sendIntoMesh(pkt, nil)
	return err
}

// Broadcast builds a type=message packet addressed to the broadcast
// sentinel and floods it (spec.md §4.7 `broadcast(payload_bytes)`).
func (r *Router) Broadcast(payload []byte) (TransferHandle, error) {
	now := time.Now()
	senderID, _ := r.identity.Current(now)
	recipient := wire.BroadcastRecipient

	pkt := &wire.Packet{
		Type:        wire.TypeMessage,
		TTL:         wire.DefaultTTL,
		Timestamp:   uint64(now.UnixMilli()),
		SenderID:    senderID,
		RecipientID: &recipient,
		Payload:     payload,
	}
	return r.sendIntoMesh(pkt, nil)
}

// SendPrivate establishes (or reuses) a Noise session with the peer
// identified by fingerprint, wraps payload as noise_encrypted, and
// enqueues it for transmission, fragmenting if needed (spec.md §4.7
// `send_private(recipient_fingerprint, payload_bytes)`). If no session is
// established yet, the payload is queued and flushed once the handshake
// this call kicks off (or one already in flight) completes.
func (r *Router) SendPrivate(fingerprint [32]byte, payload []byte) (TransferHandle, error) {
	info, ok := r.dir.Lookup(fingerprint)
	if !ok {
		return 0, ErrPeerUnknown
	}

	handle, state := r.transfers.New()

	if sess, ok := r.sessions.SessionFor(fingerprint); ok && sess.State() == noisesession.StateEstablished {
		if err := r.wrapAndSend(sess, payload, state); err != nil {
			return handle, err
		}
		return handle, nil
	}

	r.pendingMu.Lock()
	r.pending[fingerprint] = append(r.pending[fingerprint], pendingSend{payload: payload, handle: handle, state: state})
	r.pendingMu.Unlock()

	r.tryInitiateHandshake(fingerprint, info.ephemeralID)
	return handle, nil
}

func (r *Router) tryInitiateHandshake(fingerprint [32]byte, remoteEphemeralID [8]byte) {
	now := time.Now()
	localEphemeralID, _ := r.identity.Current(now)

	msg1, started, err := r.sessions.EnsureHandshake(localEphemeralID, remoteEphemeralID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to start noise handshake")
		return
	}
	if !started {
		return
	}

	pkt := &wire.Packet{
		Type:        wire.TypeNoiseHandshake,
		TTL:         wire.DefaultTTL,
		Timestamp:   uint64(now.UnixMilli()),
		SenderID:    localEphemeralID,
		RecipientID: &remoteEphemeralID,
		Payload:     msg1,
	}
	if _, err := r.sendIntoMesh(pkt, nil); err != nil {
		log.Warn().Err(err).Msg("failed to send noise_handshake message 1")
	}
}

func (r *Router) wrapAndSend(sess *noisesession.Session, payload []byte, state *transferState) error {
	now := time.Now()
	ciphertext, err := sess.Wrap(payload)
	if err != nil {
		return err
	}

	localEphemeralID, _ := r.identity.Current(now)
	fingerprint := sess.RemoteFingerprint()
	info, ok := r.dir.Lookup(fingerprint)
	if !ok {
		return ErrPeerUnknown
	}

	pkt := &wire.Packet{
		Type:        wire.TypeNoiseEncrypted,
		TTL:         wire.DefaultTTL,
		Timestamp:   uint64(now.UnixMilli()),
		SenderID:    localEphemeralID,
		RecipientID: &info.ephemeralID,
		Payload:     ciphertext,
	}
	_, err = r.sendIntoMesh(pkt, state)
	return err
}

// Cancel aborts any fragments of handle not yet handed to the BLE engine
// (spec.md §6 `cancel(transfer_handle)`).
func (r *Router) Cancel(handle TransferHandle) {
	r.transfers.Cancel(handle)
}

// sendIntoMesh encodes pkt, fragmenting if it exceeds the current best
// links' negotiated MTU, and floods it onto every usable link (spec.md
// §4.6 step 5's "forward to every currently connected peer", applied here
// to a locally-originated packet with no incoming link to exclude).
func (r *Router) sendIntoMesh(pkt *wire.Packet, state *transferState) (TransferHandle, error) {
	var handle TransferHandle
	if state == nil {
		handle, state = r.transfers.New()
	}

	links := r.sender.BestLinks()
	mtu := minMTU(links)
	threshold := mtu - ble.FragmentFramingOverhead

	innerFrame, err := wire.Encode(pkt, wire.EncodeOptions{Padding: true, Compression: true})
	if err != nil {
		return handle, err
	}

	if len(innerFrame) <= threshold {
		r.broadcastFrame(innerFrame, links, state)
		return handle, nil
	}

	chunkSize := mtu - 24
	chunks, err := fragment.Split(innerFrame, pkt.Type, chunkSize)
	if err != nil {
		return handle, err
	}
	for _, chunk := range chunks {
		if state.cancelled {
			return handle, nil
		}
		fragPkt := &wire.Packet{
			Type:        wire.TypeFragment,
			TTL:         pkt.TTL,
			Timestamp:   pkt.Timestamp,
			SenderID:    pkt.SenderID,
			RecipientID: pkt.RecipientID,
			Route:       pkt.Route,
			Payload:     fragment.EncodeChunk(chunk),
		}
		fragFrame, err := wire.Encode(fragPkt, wire.EncodeOptions{Padding: true, Compression: false})
		if err != nil {
			return handle, err
		}
		r.broadcastFrame(fragFrame, links, state)
	}
	return handle, nil
}

func (r *Router) broadcastFrame(frame []byte, links []conntrack.Link, state *transferState) {
	for _, l := range links {
		if state != nil && state.cancelled {
			return
		}
		r.sender.Send(l.Address, l.Role, frame)
	}
}

func minMTU(links []conntrack.Link) int {
	if len(links) == 0 {
		return ble.TargetMTU
	}
	min := links[0].MTU
	for _, l := range links[1:] {
		if l.MTU < min {
			min = l.MTU
		}
	}
	if min < ble.MinimumMTU {
		return ble.MinimumMTU
	}
	return min
}

// OnInboundFrame implements ble.RouterSink: decode, then run the packet
// through the relay/dedup pipeline.
func (r *Router) OnInboundFrame(address string, role conntrack.Role, frame []byte) {
	pkt, err := wire.Decode(frame)
	if err != nil {
		log.Debug().Err(err).Str("address", address).Msg("dropping malformed frame")
		return
	}
	r.handleInboundPacket(address, pkt)
}

// OnPeerEvent implements ble.RouterSink: link-layer peer events are
// currently informational only at the router level (the connection
// tracker already reflects them); surfaced up as PeerDiscovered so UIs can
// show "nearby" before any fingerprint is known.
func (r *Router) OnPeerEvent(event ble.PeerEvent) {
	if event.Kind == ble.PeerDiscovered {
		r.emitPeer(PeerEvent{Kind: PeerDiscovered, Address: event.Address})
	}
}

func (r *Router) handleInboundPacket(address string, pkt *wire.Packet) {
	now := time.Now()
	outcome := r.relayProc.Process(pkt, identityLocalAdapter{mgr: r.identity}, now)

	switch outcome.Decision {
	case relay.DecisionDropDuplicate, relay.DecisionDropTTLExhausted:
		return
	case relay.DecisionDeliverLocal:
		r.deliverLocal(address, pkt)
	case relay.DecisionForward:
		// Packets with no recipient_id (announce, leave) and broadcast
		// packets are for everyone: deliver locally in addition to
		// relaying onward, rather than only to whichever node they happen
		// to name as recipient.
		if pkt.RecipientID == nil || *pkt.RecipientID == wire.BroadcastRecipient {
			r.deliverLocal(address, pkt)
		}
		r.forwardPacket(outcome.Forwarded, address)
	}
}

func (r *Router) forwardPacket(pkt *wire.Packet, incomingAddress string) {
	links := r.sender.BestLinks()
	targets := relay.SelectForwardLinks(pkt, links, incomingAddress, r.dir.AddressOf)
	if len(targets) == 0 {
		return
	}
	frame, err := wire.Encode(pkt, wire.EncodeOptions{Padding: true, Compression: false})
	if err != nil {
		log.Debug().Err(err).Msg("failed to re-encode packet for relay")
		return
	}
	for _, l := range targets {
		r.sender.Send(l.Address, l.Role, frame)
	}
}

func (r *Router) deliverLocal(address string, pkt *wire.Packet) {
	switch pkt.Type {
	case wire.TypeAnnounce:
		r.handleAnnounce(address, pkt)
	case wire.TypeMessage:
		r.deliverMessage(pkt)
	case wire.TypeNoiseHandshake:
		r.handleNoiseHandshake(address, pkt)
	case wire.TypeNoiseEncrypted:
		r.handleNoiseEncrypted(pkt)
	case wire.TypeFragment:
		r.handleFragment(address, pkt)
	case wire.TypeLeave:
		r.handleLeave(pkt)
	case wire.TypeFileTransfer:
		r.deliverFileTransfer(pkt)
	case wire.TypeSyncRequest:
		r.emitPacket(PacketEvent{PacketType: pkt.Type, Plaintext: pkt.Payload})
	}
}

func (r *Router) handleAnnounce(address string, pkt *wire.Packet) {
	fingerprint, _, err := decodeAnnounce(pkt.Payload)
	if err != nil {
		log.Debug().Err(err).Msg("dropping malformed announce")
		return
	}
	r.dir.Learn(fingerprint, address, pkt.SenderID)
	r.emitPeer(PeerEvent{Kind: PeerDiscovered, Fingerprint: fingerprint, Address: address})
}

func (r *Router) deliverMessage(pkt *wire.Packet) {
	fingerprint, _ := r.dir.FingerprintOf(pkt.SenderID)
	r.emitPacket(PacketEvent{PacketType: wire.TypeMessage, SenderFingerprint: fingerprint, Plaintext: pkt.Payload})
}

func (r *Router) handleNoiseHandshake(address string, pkt *wire.Packet) {
	now := time.Now()
	localEphemeralID, _ := r.identity.Current(now)
	remoteEphemeralID := pkt.SenderID

	reply, event, err := r.sessions.HandleHandshakeMessage(localEphemeralID, remoteEphemeralID, pkt.Payload, now)
	if err != nil {
		if errors.Is(err, noisesession.ErrHandshakeDiscarded) {
			return
		}
		log.Warn().Err(err).Str("address", address).Msg("noise handshake failed")
		if event.Failed {
			r.emitPeer(PeerEvent{Kind: PeerHandshakeFailed, Address: address})
		}
		return
	}

	if reply != nil {
		replyPkt := &wire.Packet{
			Type:        wire.TypeNoiseHandshake,
			TTL:         wire.DefaultTTL,
			Timestamp:   uint64(now.UnixMilli()),
			SenderID:    localEphemeralID,
			RecipientID: &remoteEphemeralID,
			Payload:     reply,
		}
		if _, err := r.sendIntoMesh(replyPkt, nil); err != nil {
			log.Warn().Err(err).Msg("failed to send handshake reply")
		}
	}

	if event.Established {
		r.dir.Learn(event.Fingerprint, address, remoteEphemeralID)
		r.emitPeer(PeerEvent{Kind: PeerHandshakeEstablished, Fingerprint: event.Fingerprint, Address: address})
		r.flushPending(event.Fingerprint)
	}
}

func (r *Router) handleNoiseEncrypted(pkt *wire.Packet) {
	fingerprint, ok := r.dir.FingerprintOf(pkt.SenderID)
	if !ok {
		log.Debug().Msg("dropping noise_encrypted from unknown ephemeral sender")
		return
	}
	sess, ok := r.sessions.SessionFor(fingerprint)
	if !ok {
		log.Debug().Msg("dropping noise_encrypted with no established session")
		return
	}

	plaintext, err := sess.Unwrap(pkt.Payload, time.Now())
	if err != nil {
		if !errors.Is(err, noisesession.ErrOutOfOrder) {
			log.Warn().Err(err).Msg("decrypt failed")
		}
		if sess.State() == noisesession.StateFailed {
			r.sessions.Rekey(fingerprint)
			r.emitPeer(PeerEvent{Kind: PeerHandshakeFailed, Fingerprint: fingerprint})
		}
		return
	}

	r.emitPacket(PacketEvent{PacketType: wire.TypeNoiseEncrypted, SenderFingerprint: fingerprint, Plaintext: plaintext})
}

// handleFragment feeds a fragment chunk to the reassembler; once complete,
// the reconstructed inner frame is re-decoded and re-dispatched as if it
// had arrived whole (spec.md §4.2 "re-feed the reconstructed inner frame
// to the decode path").
func (r *Router) handleFragment(address string, pkt *wire.Packet) {
	chunk, err := fragment.DecodeChunk(pkt.Payload)
	if err != nil {
		log.Debug().Err(err).Msg("dropping malformed fragment")
		return
	}

	data, _, complete := r.reassembler.Add(pkt.SenderID, chunk)
	if !complete {
		return
	}

	inner, err := wire.Decode(data)
	if err != nil {
		log.Debug().Err(err).Msg("dropping fragment reassembly with undecodable inner frame")
		return
	}
	r.deliverLocal(address, inner)
}

func (r *Router) handleLeave(pkt *wire.Packet) {
	fingerprint, ok := r.dir.FingerprintOf(pkt.SenderID)
	if !ok {
		return
	}
	r.dir.Forget(fingerprint)
	r.sessions.Rekey(fingerprint)
	r.emitPeer(PeerEvent{Kind: PeerWentOffline, Fingerprint: fingerprint})
}

func (r *Router) deliverFileTransfer(pkt *wire.Packet) {
	transfer, err := filetransfer.Decode(pkt.Payload)
	if err != nil {
		log.Debug().Err(err).Msg("dropping file_transfer with integrity mismatch")
		return
	}
	fingerprint, _ := r.dir.FingerprintOf(pkt.SenderID)
	r.emitPacket(PacketEvent{PacketType: wire.TypeFileTransfer, SenderFingerprint: fingerprint, Plaintext: transfer.Content})
}

func (r *Router) flushPending(fingerprint [32]byte) {
	r.pendingMu.Lock()
	queued := r.pending[fingerprint]
	delete(r.pending, fingerprint)
	r.pendingMu.Unlock()

	sess, ok := r.sessions.SessionFor(fingerprint)
	if !ok {
		return
	}
	for _, p := range queued {
		if p.state.cancelled {
			continue
		}
		if err := r.wrapAndSend(sess, p.payload, p.state); err != nil {
			log.Warn().Err(err).Msg("failed to flush pending send after handshake")
		}
	}
}
