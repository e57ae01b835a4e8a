package store

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrEnvelopeTooShort and ErrEnvelopeOpenFailed cover the two ways a
// persisted record can fail to decrypt: truncation, or an authentication
// failure (wrong key, bit rot, tampering).
var (
	ErrEnvelopeTooShort   = errors.New("store: envelope shorter than nonce")
	ErrEnvelopeOpenFailed = errors.New("store: envelope authentication failed")
)

// seal encrypts plaintext under a record-specific subkey derived from the
// master key via HKDF, following the teacher's "derive key, seal box" shape
// (sdk/go/e2ee.go's pbkdf2-derived-key-then-AES-GCM envelope) but swapping
// in hkdf+secretbox, both already pulled in by the rest of this module.
func seal(masterKey [MasterKeySize]byte, domain string, plaintext []byte) ([]byte, error) {
	key, err := deriveKey(masterKey, domain)
	if err != nil {
		return nil, err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	out := make([]byte, len(nonce))
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &key), nil
}

// open decrypts an envelope produced by seal with the same domain string.
func open(masterKey [MasterKeySize]byte, domain string, envelope []byte) ([]byte, error) {
	if len(envelope) < 24 {
		return nil, ErrEnvelopeTooShort
	}
	key, err := deriveKey(masterKey, domain)
	if err != nil {
		return nil, err
	}

	var nonce [24]byte
	copy(nonce[:], envelope[:24])

	plaintext, ok := secretbox.Open(nil, envelope[24:], &nonce, &key)
	if !ok {
		return nil, ErrEnvelopeOpenFailed
	}
	return plaintext, nil
}

func deriveKey(masterKey [MasterKeySize]byte, domain string) ([32]byte, error) {
	var key [32]byte
	reader := hkdf.New(sha256.New, masterKey[:], nil, []byte("meshcore/store/"+domain))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}
