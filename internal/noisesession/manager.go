package noisesession

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/gridmesh/meshcore/internal/identity"
)

// noisePrologue binds every handshake to this protocol's wire format, the
// same domain-separation role the teacher's cryptoops.noisePrologue plays.
const noisePrologue = "meshcore/noise-xx/1"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// identityPayloadSize matches the teacher's binding scheme: Ed25519 public
// key plus an Ed25519 signature over the X25519 static public key, so the
// long-lived signing identity is cryptographically bound to the ephemeral
// Noise static key used in this handshake.
const identityPayloadSize = ed25519.PublicKeySize + ed25519.SignatureSize

// Event reports what happened after feeding a handshake message or
// transport packet into the Manager.
type Event struct {
	Established bool
	Failed      bool
	Fingerprint [32]byte
}

// Manager drives Noise XX handshakes and established-session transport
// wrap/unwrap across all currently-known peers (spec.md §4.3).
type Manager struct {
	mu         sync.Mutex
	credential *identity.Credential

	established map[[32]byte]*Session  // keyed by remote static fingerprint
	pending     map[[8]byte]*Session   // in-progress handshakes, keyed by remote ephemeral peer ID
}

// NewManager constructs a Manager bound to this node's long-lived identity.
func NewManager(credential *identity.Credential) *Manager {
	return &Manager{
		credential:  credential,
		established: make(map[[32]byte]*Session),
		pending:     make(map[[8]byte]*Session),
	}
}

// SessionFor returns the established session for a remote fingerprint, if any.
func (m *Manager) SessionFor(fingerprint [32]byte) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.established[fingerprint]
	return s, ok
}

// EnsureHandshake starts a handshake with remoteEphemeralID unless one is
// already in flight for that peer (spec.md §4.3 "the first handshake
// message may be sent by either side"). A node initiates whenever it has
// something to say, regardless of which side owns the numerically smaller
// ephemeral ID; the lexicographic tie-break only resolves the case where
// both sides happen to send message1 at once, in HandleHandshakeMessage.
// Returns (nil, false, nil) when a handshake with this peer is already
// under way.
func (m *Manager) EnsureHandshake(localEphemeralID, remoteEphemeralID [8]byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, inFlight := m.pending[remoteEphemeralID]; inFlight {
		return nil, false, nil
	}

	hs, err := m.newHandshakeState(true)
	if err != nil {
		return nil, false, err
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: write msg1: %w", ErrHandshakeTimeout, err)
	}

	m.pending[remoteEphemeralID] = &Session{
		state:             StateHandshaking,
		hs:                hs,
		remoteEphemeralID: remoteEphemeralID,
		isInitiator:       true,
		startedAt:         time.Now(),
	}

	return msg1, true, nil
}

// HandleHandshakeMessage processes an inbound noise_handshake packet payload.
// It returns the reply bytes to send (nil if none), an Event describing
// whether the session just became established, and an error if the message
// was malformed or failed verification.
func (m *Manager) HandleHandshakeMessage(localEphemeralID, remoteEphemeralID [8]byte, payload []byte, now time.Time) ([]byte, Event, error) {
	m.mu.Lock()
	session, inFlight := m.pending[remoteEphemeralID]
	m.mu.Unlock()

	if !inFlight {
		// No handshake of ours is under way with this peer: this is a
		// fresh message1, and we become the responder (spec.md §4.3
		// "the first handshake message may be sent by either side").
		return m.acceptMessage1(remoteEphemeralID, payload, now)
	}

	session.mu.Lock()
	if now.Sub(session.startedAt) > HandshakeTimeout {
		session.mu.Unlock()
		session.state = StateFailed
		m.mu.Lock()
		delete(m.pending, remoteEphemeralID)
		m.mu.Unlock()
		return nil, Event{Failed: true}, ErrHandshakeTimeout
	}

	if !session.isInitiator {
		defer session.mu.Unlock()
		return m.finishAsResponder(session, remoteEphemeralID, payload)
	}

	reply, event, err := m.continueAsInitiator(session, remoteEphemeralID, payload)
	if err == nil {
		session.mu.Unlock()
		return reply, event, nil
	}
	session.mu.Unlock()

	// Both sides sent message1 at (roughly) the same instant: payload
	// doesn't parse as the message2 we expected because it's the peer's
	// own message1. Resolve with the lexicographic tie-break (spec.md
	// §4.3): the numerically smaller ephemeral ID stays the initiator and
	// discards the peer's colliding message1; the larger yields and
	// processes it as a fresh responder handshake instead.
	if bytes.Compare(localEphemeralID[:], remoteEphemeralID[:]) < 0 {
		return nil, Event{}, ErrHandshakeDiscarded
	}
	m.mu.Lock()
	delete(m.pending, remoteEphemeralID)
	m.mu.Unlock()
	return m.acceptMessage1(remoteEphemeralID, payload, now)
}

// acceptMessage1 is called when this node is the responder receiving the
// peer's first handshake message (spec.md §4.3 message 1 → 3).
func (m *Manager) acceptMessage1(remoteEphemeralID [8]byte, payload []byte, now time.Time) ([]byte, Event, error) {
	hs, err := m.newHandshakeState(false)
	if err != nil {
		return nil, Event{}, err
	}

	if _, _, _, err := hs.ReadMessage(nil, payload); err != nil {
		return nil, Event{}, fmt.Errorf("%w: read msg1: %w", ErrHandshakeTimeout, err)
	}

	identityPayload := m.makeIdentityPayload()
	msg2, _, _, err := hs.WriteMessage(nil, identityPayload)
	if err != nil {
		return nil, Event{}, fmt.Errorf("%w: write msg2: %w", ErrHandshakeTimeout, err)
	}

	m.mu.Lock()
	m.pending[remoteEphemeralID] = &Session{
		state:             StateHandshaking,
		hs:                hs,
		remoteEphemeralID: remoteEphemeralID,
		isInitiator:       false,
		startedAt:         now,
	}
	m.mu.Unlock()

	return msg2, Event{}, nil
}

// continueAsInitiator handles message2 (responder → initiator) and emits
// message3, completing the handshake on this side.
func (m *Manager) continueAsInitiator(session *Session, remoteEphemeralID [8]byte, payload []byte) ([]byte, Event, error) {
	serverPayload, _, _, err := session.hs.ReadMessage(nil, payload)
	if err != nil {
		return nil, Event{}, fmt.Errorf("%w: read msg2: %w", ErrHandshakeTimeout, err)
	}

	fingerprint, err := m.verifyIdentityPayload(serverPayload, session.hs.PeerStatic())
	if err != nil {
		session.state = StateFailed
		return nil, Event{Failed: true}, err
	}

	msg3, cs1, cs2, err := session.hs.WriteMessage(nil, m.makeIdentityPayload())
	if err != nil {
		return nil, Event{}, fmt.Errorf("%w: write msg3: %w", ErrHandshakeTimeout, err)
	}

	// cs1 = initiator→responder (our send), cs2 = responder→initiator (our recv).
	m.finalizeSession(session, remoteEphemeralID, fingerprint, cs1, cs2)
	return msg3, Event{Established: true, Fingerprint: fingerprint}, nil
}

// finishAsResponder handles message3 (initiator → responder), completing
// the handshake on this side with no reply needed.
func (m *Manager) finishAsResponder(session *Session, remoteEphemeralID [8]byte, payload []byte) ([]byte, Event, error) {
	clientPayload, cs1, cs2, err := session.hs.ReadMessage(nil, payload)
	if err != nil {
		return nil, Event{}, fmt.Errorf("%w: read msg3: %w", ErrHandshakeTimeout, err)
	}

	fingerprint, err := m.verifyIdentityPayload(clientPayload, session.hs.PeerStatic())
	if err != nil {
		session.state = StateFailed
		return nil, Event{Failed: true}, err
	}

	// cs1 = initiator→responder (our recv), cs2 = responder→initiator (our send).
	m.finalizeSession(session, remoteEphemeralID, fingerprint, cs2, cs1)
	return nil, Event{Established: true, Fingerprint: fingerprint}, nil
}

// finalizeSession moves a completed handshake from the pending-by-ephemeral-ID
// table into the established-by-fingerprint table (spec.md §4.3 "Sessions
// are keyed by the remote's long-lived static fingerprint").
func (m *Manager) finalizeSession(session *Session, remoteEphemeralID [8]byte, fingerprint [32]byte, sendCS, recvCS *noise.CipherState) {
	session.state = StateEstablished
	session.hs = nil
	session.remoteFingerprint = fingerprint
	session.sendCipher = sendCS
	session.recvCipher = recvCS
	session.sendNonce = 0
	session.recvNonce = 0

	m.mu.Lock()
	delete(m.pending, remoteEphemeralID)
	m.established[fingerprint] = session
	m.mu.Unlock()
}

// Rekey discards any existing session state for fingerprint, forcing the
// next EnsureHandshake to start fresh. Called on nonce exhaustion or after
// the decrypt-failure threshold marks a session failed (spec.md §4.3).
func (m *Manager) Rekey(fingerprint [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.established, fingerprint)
}

func (m *Manager) newHandshakeState(initiator bool) (*noise.HandshakeState, error) {
	priv, pub := m.credential.NoiseStaticKeypair()
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: noise.DHKey{Private: priv[:], Public: pub[:]},
		Prologue:      []byte(noisePrologue),
	})
}

// makeIdentityPayload builds [Ed25519 pubkey][signature over X25519 static pubkey].
func (m *Manager) makeIdentityPayload() []byte {
	_, pub := m.credential.NoiseStaticKeypair()
	out := make([]byte, identityPayloadSize)
	copy(out[:ed25519.PublicKeySize], m.credential.SigningPublicKey())
	copy(out[ed25519.PublicKeySize:], m.credential.Sign(pub[:]))
	return out
}

// verifyIdentityPayload checks the signature binding and derives the
// remote's static fingerprint (spec.md §3 "static_fingerprint").
func (m *Manager) verifyIdentityPayload(payload, remoteX25519Pub []byte) ([32]byte, error) {
	if len(payload) != identityPayloadSize {
		return [32]byte{}, ErrBadIdentityPayload
	}
	edPub := ed25519.PublicKey(payload[:ed25519.PublicKeySize])
	sig := payload[ed25519.PublicKeySize:]
	if !ed25519.Verify(edPub, remoteX25519Pub, sig) {
		return [32]byte{}, ErrBadSignature
	}
	fingerprint, _ := identity.DeriveFingerprint([32]byte(edPub))
	return fingerprint, nil
}
