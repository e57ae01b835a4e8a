package noisesession

import (
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// Session is a Noise XX session with one remote peer, keyed by that peer's
// long-lived static fingerprint so ephemeral peer ID rotation does not
// invalidate it (spec.md §4.3 "Sessions are keyed by the remote's
// long-lived static fingerprint").
type Session struct {
	mu sync.Mutex

	state State

	hs *noise.HandshakeState // non-nil only while State == StateHandshaking

	sendCipher *noise.CipherState
	recvCipher *noise.CipherState

	sendNonce uint64
	recvNonce uint64 // next nonce we expect to accept

	remoteFingerprint [32]byte
	remoteEphemeralID [8]byte
	isInitiator       bool

	startedAt time.Time

	failureCount      int
	failureWindowFrom time.Time
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteFingerprint returns the peer's static fingerprint once known
// (available once the handshake identity payload has been verified, which
// happens before the session reaches StateEstablished).
func (s *Session) RemoteFingerprint() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteFingerprint
}

// wireFrame is the noise_encrypted payload layout this implementation uses:
// an explicit 8-byte big-endian nonce followed by the ChaChaPoly ciphertext
// (spec.md doesn't pin exact transport-message bytes beyond "nonces are
// strictly monotonic"; carrying the nonce explicitly lets the receiver
// reject out-of-order ciphertexts *before* touching the cipher state, so an
// out-of-order arrival never perturbs the cipher's internal counter).
const nonceFieldSize = 8

// Wrap encrypts plaintext for transport (spec.md §4.3 "payloads ... wrapped
// with an outer noise_encrypted packet"). Returns ErrNonceExhausted once the
// send nonce would cross NonceRekeyThreshold; the caller must re-initiate a
// handshake (rekey) and may not call Wrap again on this session.
func (s *Session) Wrap(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrSessionNotEstablished
	}
	if s.sendNonce >= NonceRekeyThreshold {
		return nil, ErrNonceExhausted
	}

	nonce := s.sendNonce
	buf := acquireBuffer(nonceFieldSize + len(plaintext) + 16)
	defer releaseBuffer(buf)

	buf.B = buf.B[:nonceFieldSize]
	putUint64BE(buf.B, nonce)
	var err error
	buf.B, err = s.sendCipher.Encrypt(buf.B, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptFailed, err)
	}

	s.sendNonce++

	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}

// Unwrap decrypts an inbound noise_encrypted payload. A ciphertext whose
// carried nonce doesn't match the expected next value is dropped as
// out-of-order *without* invoking the underlying cipher, so its internal
// nonce counter never advances (spec.md §5 ordering (c), §8 "Out-of-order
// ciphertexts within one session are dropped").
func (s *Session) Unwrap(frame []byte, now time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrSessionNotEstablished
	}
	if len(frame) < nonceFieldSize {
		return nil, ErrDecryptFailed
	}

	nonce := getUint64BE(frame[:nonceFieldSize])
	if nonce != s.recvNonce {
		return nil, ErrOutOfOrder
	}

	plaintext, err := s.recvCipher.Decrypt(nil, nil, frame[nonceFieldSize:])
	if err != nil {
		s.recordFailureLocked(now)
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	s.recvNonce++
	s.failureCount = 0
	return plaintext, nil
}

// recordFailureLocked implements spec.md §4.3's "after N failures in W
// seconds, mark the session failed and schedule a new handshake". Caller
// holds s.mu.
func (s *Session) recordFailureLocked(now time.Time) {
	if s.failureWindowFrom.IsZero() || now.Sub(s.failureWindowFrom) > DecryptFailureWindow {
		s.failureWindowFrom = now
		s.failureCount = 0
	}
	s.failureCount++
	if s.failureCount >= DecryptFailureLimit {
		s.state = StateFailed
	}
}

func putUint64BE(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

func getUint64BE(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}
