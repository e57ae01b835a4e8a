// Package identity implements the mesh node's long-lived cryptographic
// identity and its rotating, unlinkable surface identifiers (spec.md §3
// "Identity", §4.5 "Rotation"). Grounded on the teacher's
// portal/corev2/identity/credential.go (Ed25519 keypair, HMAC-derived
// base32 ID) generalized with an X25519 Noise static key and the
// ephemeral_peer_id/service_uuid rotation spec.md adds on top.
package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"errors"

	"golang.org/x/crypto/curve25519"
)

var idMagic = []byte("MESHCORE_STATIC_FINGERPRINT_V1")

var base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)

// DeriveFingerprint computes the 32-byte static_fingerprint from an Ed25519
// public key (spec.md §3): HMAC-SHA256 keyed by a fixed domain-separation
// string, truncated to 16 bytes and base32-encoded for display.
func DeriveFingerprint(pubkey [32]byte) (full [32]byte, display string) {
	h := hmac.New(sha256.New, idMagic)
	h.Write(pubkey[:])
	sum := h.Sum(nil)
	copy(full[:], sum)
	return full, base32Encoding.EncodeToString(sum[:16])
}

// Credential holds the node's long-lived Ed25519 signing keypair and the
// X25519 static keypair used as the Noise XX static key (spec.md §4.3).
type Credential struct {
	signingPrivate ed25519.PrivateKey
	signingPublic  ed25519.PublicKey

	noiseStaticPrivate [32]byte
	noiseStaticPublic  [32]byte

	fingerprint        [32]byte
	fingerprintDisplay string
}

// NewCredentialFromSigningKey derives the full identity, including the
// X25519 Noise static key, from an existing Ed25519 private key.
func NewCredentialFromSigningKey(signingPrivate ed25519.PrivateKey, noiseStaticPrivate [32]byte) (*Credential, error) {
	if len(signingPrivate) != ed25519.PrivateKeySize {
		return nil, errors.New("identity: invalid signing key length")
	}

	signingPublic := signingPrivate.Public().(ed25519.PublicKey)

	var noiseStaticPublic [32]byte
	pub, err := curve25519.X25519(noiseStaticPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(noiseStaticPublic[:], pub)

	fp, display := DeriveFingerprint(*(*[32]byte)(signingPublic))

	return &Credential{
		signingPrivate:     signingPrivate,
		signingPublic:      signingPublic,
		noiseStaticPrivate: noiseStaticPrivate,
		noiseStaticPublic:  noiseStaticPublic,
		fingerprint:        fp,
		fingerprintDisplay: display,
	}, nil
}

// NewCredential generates a fresh signing key and Noise static key.
func NewCredential() (*Credential, ed25519.PrivateKey, [32]byte, error) {
	_, signingPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, [32]byte{}, err
	}

	var noiseStaticPrivate [32]byte
	if _, err := rand.Read(noiseStaticPrivate[:]); err != nil {
		return nil, nil, [32]byte{}, err
	}
	// clamp per curve25519 convention
	noiseStaticPrivate[0] &= 248
	noiseStaticPrivate[31] &= 127
	noiseStaticPrivate[31] |= 64

	cred, err := NewCredentialFromSigningKey(signingPrivate, noiseStaticPrivate)
	if err != nil {
		return nil, nil, [32]byte{}, err
	}
	return cred, signingPrivate, noiseStaticPrivate, nil
}

// Fingerprint returns the full 32-byte static fingerprint.
func (c *Credential) Fingerprint() [32]byte { return c.fingerprint }

// FingerprintDisplay returns the base32 display form shown to users.
func (c *Credential) FingerprintDisplay() string { return c.fingerprintDisplay }

func (c *Credential) Sign(data []byte) []byte {
	return ed25519.Sign(c.signingPrivate, data)
}

func (c *Credential) Verify(data, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(c.signingPublic, data, sig)
}

func (c *Credential) SigningPublicKey() ed25519.PublicKey { return c.signingPublic }

func (c *Credential) NoiseStaticKeypair() (private, public [32]byte) {
	return c.noiseStaticPrivate, c.noiseStaticPublic
}
