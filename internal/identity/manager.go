package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager is the "Identity manager" component of spec.md §2: it owns the
// node's long-lived Credential and the rotation policy layered on top of it
// (ephemeral_peer_id, service_uuid), and is the single place that answers
// "what am I called right now" and "what IDs should I currently accept as
// mine" (spec.md §4.5, §9 canonical startup order step 2).
type Manager struct {
	mu sync.RWMutex

	credential      *Credential
	rotating        *RotatingIdentity
	rotationEnabled bool
	rotationSecret  [32]byte

	lastRotationTime time.Time
}

// NewManager constructs an identity Manager. rotationEnabled mirrors
// StartConfig.rotation_enabled (spec.md §6): when false, neither the
// ephemeral peer ID nor the service UUID advances hourly. The peer ID is
// the first 8 bytes of static_fingerprint (spec.md §3) and the service UUID
// is pinned to its bucket-0 derivation; this implementation extends the
// "no rotation" contract to the service UUID since spec.md groups both
// under one rotation_enabled flag (§6 StartConfig) rather than splitting
// them.
//
// rotationSecret is the protocol-wide secret spec.md §3 calls shared_secret,
// distinct from credential's own static_fingerprint (see
// DefaultRotationSecret): every node that should be able to discover this
// one over BLE must be configured with the same rotationSecret.
func NewManager(credential *Credential, rotationEnabled bool, rotationSecret [32]byte) *Manager {
	return &Manager{
		credential:      credential,
		rotating:        NewRotatingIdentity(credential.Fingerprint(), rotationSecret),
		rotationEnabled: rotationEnabled,
		rotationSecret:  rotationSecret,
	}
}

// RestoreRotationState seeds the last-observed-rotation timestamp from a
// previously persisted settings record (spec.md §6 "last_rotation_time"),
// so a restart doesn't masquerade as a fresh rotation boundary.
func (m *Manager) RestoreRotationState(last time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRotationTime = last
}

// SetRotationEnabled toggles rotation at runtime (e.g. a settings change).
func (m *Manager) SetRotationEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotationEnabled = enabled
}

// Credential returns the underlying long-lived identity.
func (m *Manager) Credential() *Credential { return m.credential }

// Current returns the ephemeral peer ID and service UUID this node should
// advertise/sign with right now.
func (m *Manager) Current(now time.Time) (peerID [8]byte, serviceUUID uuid.UUID) {
	m.mu.RLock()
	enabled := m.rotationEnabled
	m.mu.RUnlock()

	if !enabled {
		fp := m.credential.Fingerprint()
		copy(peerID[:], fp[:8])
		return peerID, ServiceUUID(m.rotationSecret, 0)
	}

	return m.rotating.Current(now)
}

// ValidServiceUUIDs returns every service UUID this node should currently
// accept from a scanning/advertising peer (spec.md §3 "valid UUID set").
func (m *Manager) ValidServiceUUIDs(now time.Time) []uuid.UUID {
	m.mu.RLock()
	enabled := m.rotationEnabled
	m.mu.RUnlock()

	if !enabled {
		return []uuid.UUID{ServiceUUID(m.rotationSecret, 0), LegacyServiceUUID}
	}
	return m.rotating.ValidServiceUUIDs(now)
}

// ValidPeerIDs returns every ephemeral peer ID this node should currently
// treat as addressed to itself (spec.md §4.6 step 3, relay recipient check).
func (m *Manager) ValidPeerIDs(now time.Time) [][8]byte {
	m.mu.RLock()
	enabled := m.rotationEnabled
	m.mu.RUnlock()

	if !enabled {
		id, _ := m.Current(now)
		return [][8]byte{id}
	}
	return m.rotating.ValidPeerIDs(now)
}

// IsLocalRecipient implements relay.LocalIdentity: a recipient_id is ours if
// it's one of our currently-valid ephemeral peer IDs, or the static
// fingerprint-derived ID a peer may still be addressing after a restart.
func (m *Manager) IsLocalRecipient(id [8]byte) bool {
	now := time.Now()
	for _, valid := range m.ValidPeerIDs(now) {
		if valid == id {
			return true
		}
	}
	fp := m.credential.Fingerprint()
	var staticID [8]byte
	copy(staticID[:], fp[:8])
	return staticID == id
}

// MaybeRotate checks whether a new rotation bucket has begun since the last
// observed rotation and, if so, logs the transition and records the new
// last-rotation timestamp for persistence (settings file, spec.md §6). The
// background rotation-tick task (spec.md §5) calls this periodically; it is
// idempotent within a bucket.
func (m *Manager) MaybeRotate(now time.Time) (rotated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.rotationEnabled {
		return false
	}

	bucket := Bucket(now)
	lastBucket := Bucket(m.lastRotationTime)
	if !m.lastRotationTime.IsZero() && bucket == lastBucket {
		return false
	}

	m.lastRotationTime = now
	peerID := EphemeralPeerID(m.credential.Fingerprint(), bucket)
	log.Info().Str("peer_id", hexString(peerID[:])).Msg("ephemeral identity rotated")
	return true
}

// LastRotationTime returns the timestamp of the last observed rotation
// boundary, for persistence into the settings file.
func (m *Manager) LastRotationTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRotationTime
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xF]
	}
	return string(out)
}
