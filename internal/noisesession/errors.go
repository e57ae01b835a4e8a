package noisesession

import (
	"errors"
	"time"
)

// State is a Noise session's lifecycle (spec.md §3 "Noise session").
type State int

const (
	StateNone State = iota
	StateHandshaking
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "none"
	}
}

const (
	// HandshakeTimeout is the end-to-end budget for a handshake to complete
	// (spec.md §4.3, §5).
	HandshakeTimeout = 15 * time.Second

	// NonceRekeyThreshold triggers a fresh handshake once a session's send
	// nonce would otherwise exceed it (spec.md §4.3 "nonce_exhaustion").
	NonceRekeyThreshold = uint64(1) << 48

	// DecryptFailureLimit and DecryptFailureWindow implement spec.md §4.3's
	// "after N failures in W seconds, mark the session failed": unspecified
	// constants, decided here (see DESIGN.md Open Question Decisions).
	DecryptFailureLimit  = 5
	DecryptFailureWindow = 30 * time.Second
)

var (
	ErrHandshakeTimeout    = errors.New("crypto_handshake_timeout")
	ErrNonceExhausted      = errors.New("crypto_nonce_exhausted")
	ErrDecryptFailed       = errors.New("crypto_decrypt_failed")
	ErrOutOfOrder          = errors.New("noisesession: ciphertext out of order")
	ErrNoSession           = errors.New("noisesession: no session for peer")
	ErrSessionNotEstablished = errors.New("noisesession: session not established")
	ErrHandshakeDiscarded  = errors.New("noisesession: discarded per tie-break")
	ErrBadIdentityPayload  = errors.New("noisesession: bad identity payload")
	ErrBadSignature        = errors.New("noisesession: identity signature invalid")
	ErrEncryptFailed       = errors.New("noisesession: encrypt failed")
)
