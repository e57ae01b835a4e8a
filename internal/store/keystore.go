package store

import (
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
)

// MasterKeySize is the width of the at-rest master key.
const MasterKeySize = 32

// RotationSecretSize is the width of the protocol-wide rotation secret
// (spec.md §3 "shared_secret").
const RotationSecretSize = 32

// ErrBadMasterKeyFile is returned when the on-disk master key file exists
// but isn't MasterKeySize bytes long.
var ErrBadMasterKeyFile = errors.New("store: master key file has wrong length")

// ErrBadRotationSecretFile is returned when the on-disk rotation secret file
// exists but isn't RotationSecretSize bytes long.
var ErrBadRotationSecretFile = errors.New("store: rotation secret file has wrong length")

// EnsureMasterKey loads the master key from path, generating and persisting
// a fresh random one if the file doesn't exist yet. This stands in for the
// "master key held by the host OS keystore" spec.md §6 describes — a real
// OS keystore (Keychain/DPAPI/Secret Service) isn't in the retrieval pack's
// dependency surface, so this follows the teacher's own fallback shape for
// the same problem (sdk/go/e2ee.go's EnsurePSKAtPath: read-or-generate a
// local secret file, 0600), generalized from a PSK string to a raw key.
//
// Unlike the rotation secret below, this key is never meant to be shared
// across nodes, so generating a fresh one per device is exactly right here.
func EnsureMasterKey(path string) ([MasterKeySize]byte, error) {
	data, err := ensureSecretFile(path, MasterKeySize)
	var key [MasterKeySize]byte
	if err != nil {
		if errors.Is(err, errBadSecretFileLength) {
			return key, ErrBadMasterKeyFile
		}
		return key, err
	}
	copy(key[:], data)
	return key, nil
}

// EnsureRotationSecret loads the protocol-wide rotation secret from path,
// generating and persisting a fresh random one if the file doesn't exist.
// It follows the exact same EnsurePSKAtPath-style read-or-generate shape as
// EnsureMasterKey, but the value it produces plays a different role: spec.md
// §3 defines `service_uuid` as HMAC-SHA256(shared_secret, ...) and §8's
// testable property ("any two nodes sharing the same rotation secret" have
// intersecting valid-UUID sets) only holds if this secret is the *same*
// across every node in a mesh, not a value generated independently by each.
// Callers that don't configure an explicit path should use
// identity.DefaultRotationSecret instead of calling this at all, so that
// freshly-initialized nodes can discover each other out of the box; this
// function exists for operators provisioning an isolated private mesh, who
// generate the secret once and copy the resulting file to every device in
// that mesh.
func EnsureRotationSecret(path string) ([RotationSecretSize]byte, error) {
	data, err := ensureSecretFile(path, RotationSecretSize)
	var secret [RotationSecretSize]byte
	if err != nil {
		if errors.Is(err, errBadSecretFileLength) {
			return secret, ErrBadRotationSecretFile
		}
		return secret, err
	}
	copy(secret[:], data)
	return secret, nil
}

// errBadSecretFileLength is ensureSecretFile's internal sentinel, translated
// to a public, function-specific error by each of its callers above.
var errBadSecretFileLength = errors.New("store: secret file has wrong length")

// ensureSecretFile reads a size-byte secret from path, or generates and
// persists (0600) a fresh random one if the file doesn't exist yet.
func ensureSecretFile(path string, size int) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != size {
			return nil, errBadSecretFileLength
		}
		return data, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}
