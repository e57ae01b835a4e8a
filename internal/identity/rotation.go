package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// DefaultRotationSecret is the rotation secret meshcore nodes use out of the
// box, so independently-initialized devices can discover each other without
// any manual provisioning. spec.md §3 defines `service_uuid` as
// HMAC-SHA256(shared_secret, ...): a value derived from each node's own
// static_fingerprint instead would make every node's valid-UUID set disjoint
// from every other node's (two distinct nodes never share a fingerprint),
// defeating the filtered-scan discovery path entirely. Operators running an
// isolated private mesh override this via Config.RotationSecretPath (see
// store.EnsureRotationSecret) with a value they distribute to every device
// in that mesh.
var DefaultRotationSecret = sha256.Sum256([]byte("meshcore/default-rotation-secret/v1"))

// RotationPeriod is how often the ephemeral_peer_id and service_uuid change
// (spec.md §4.5).
const RotationPeriod = time.Hour

// OverlapWindow is how long the previous rotation bucket's identifiers stay
// valid after a rotation boundary, so in-flight scans/connections from peers
// who haven't yet seen the new identifiers still match (spec.md §4.5).
const OverlapWindow = 5 * time.Minute

// LegacyServiceUUID is advertised alongside the rotating service UUID so
// that nodes running a fixed, pre-rotation build can still discover this one.
var LegacyServiceUUID = uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")

var (
	peerIDMagic      = []byte("MESHCORE_EPHEMERAL_PEER_ID_V1")
	serviceUUIDMagic = []byte("MESHCORE_SERVICE_UUID_V1")
)

// Bucket returns the rotation bucket index for time t (spec.md §4.5:
// identifiers are derived from a coarse time bucket, not wall-clock time
// directly, so independent nodes agree on the same bucket without clock
// sync finer than RotationPeriod).
func Bucket(t time.Time) uint64 {
	return uint64(t.UnixNano()) / uint64(RotationPeriod)
}

// EphemeralPeerID derives the 8-byte rotating peer identifier for a given
// rotation bucket from the node's static fingerprint.
func EphemeralPeerID(fingerprint [32]byte, bucket uint64) [8]byte {
	var bucketBytes [8]byte
	binary.BigEndian.PutUint64(bucketBytes[:], bucket)

	h := hmac.New(sha256.New, peerIDMagic)
	h.Write(fingerprint[:])
	h.Write(bucketBytes[:])
	sum := h.Sum(nil)

	var id [8]byte
	copy(id[:], sum[:8])
	return id
}

// ServiceUUID derives the rotating 16-byte GATT service UUID for a rotation
// bucket from the protocol-wide rotation secret (spec.md §3
// `HMAC-SHA256(shared_secret, "<prefix>-" || bucket_index)`, not the node's
// own static_fingerprint — unlike EphemeralPeerID, this value must come out
// identical on every node that holds the same secret, or filtered BLE
// scanning can never match a peer's advertisement; see
// DefaultRotationSecret), with the UUID v4 variant/version bits forced so
// the value is indistinguishable from a randomly generated UUID on the wire.
func ServiceUUID(rotationSecret [32]byte, bucket uint64) uuid.UUID {
	var bucketBytes [8]byte
	binary.BigEndian.PutUint64(bucketBytes[:], bucket)

	h := hmac.New(sha256.New, serviceUUIDMagic)
	h.Write(rotationSecret[:])
	h.Write(bucketBytes[:])
	sum := h.Sum(nil)

	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0F) | 0x40 // version 4
	id[8] = (id[8] & 0x3F) | 0x80 // RFC 4122 variant
	return id
}

// RotatingIdentity computes the currently valid set of ephemeral identifiers
// for a node, including the previous bucket's values during OverlapWindow and
// the fixed LegacyServiceUUID (spec.md §4.5, §9 "valid UUID set").
//
// fingerprint and rotationSecret play deliberately different roles:
// fingerprint is this node's own static identity and determines
// EphemeralPeerID (the on-wire sender ID, which must stay unique per node for
// addressing/routing to work); rotationSecret is shared protocol-wide state
// and determines ServiceUUID (the BLE advertisement filter, which must come
// out identical across nodes for discovery to work at all).
type RotatingIdentity struct {
	fingerprint    [32]byte
	rotationSecret [32]byte
}

func NewRotatingIdentity(fingerprint, rotationSecret [32]byte) *RotatingIdentity {
	return &RotatingIdentity{fingerprint: fingerprint, rotationSecret: rotationSecret}
}

// Current returns the ephemeral peer ID and service UUID for now.
func (r *RotatingIdentity) Current(now time.Time) (peerID [8]byte, serviceUUID uuid.UUID) {
	bucket := Bucket(now)
	return EphemeralPeerID(r.fingerprint, bucket), ServiceUUID(r.rotationSecret, bucket)
}

// ValidServiceUUIDs returns every service UUID that should currently be
// accepted as "ours": the current bucket's, the previous bucket's if still
// inside OverlapWindow, the next bucket's if already within OverlapWindow of
// the upcoming boundary, and the fixed legacy UUID (spec.md §3 "Valid set =
// {current, previous bucket, next bucket if within 5 min overlap window,
// fixed legacy UUID}").
func (r *RotatingIdentity) ValidServiceUUIDs(now time.Time) []uuid.UUID {
	bucket := Bucket(now)
	uuids := []uuid.UUID{ServiceUUID(r.rotationSecret, bucket), LegacyServiceUUID}

	boundary := time.Unix(0, int64(bucket*uint64(RotationPeriod)))
	if now.Sub(boundary) < OverlapWindow && bucket > 0 {
		uuids = append(uuids, ServiceUUID(r.rotationSecret, bucket-1))
	}

	nextBoundary := time.Unix(0, int64((bucket+1)*uint64(RotationPeriod)))
	if nextBoundary.Sub(now) < OverlapWindow {
		uuids = append(uuids, ServiceUUID(r.rotationSecret, bucket+1))
	}
	return uuids
}

// ValidPeerIDs mirrors ValidServiceUUIDs for the ephemeral_peer_id, minus the
// legacy fallback (there is no legacy peer ID concept in spec.md §3).
func (r *RotatingIdentity) ValidPeerIDs(now time.Time) [][8]byte {
	bucket := Bucket(now)
	ids := [][8]byte{EphemeralPeerID(r.fingerprint, bucket)}

	boundary := time.Unix(0, int64(bucket*uint64(RotationPeriod)))
	if now.Sub(boundary) < OverlapWindow && bucket > 0 {
		ids = append(ids, EphemeralPeerID(r.fingerprint, bucket-1))
	}

	nextBoundary := time.Unix(0, int64((bucket+1)*uint64(RotationPeriod)))
	if nextBoundary.Sub(now) < OverlapWindow {
		ids = append(ids, EphemeralPeerID(r.fingerprint, bucket+1))
	}
	return ids
}
