package wire

import "errors"

// Packet type identifiers (spec.md §3).
const (
	TypeAnnounce       = 0x01
	TypeMessage        = 0x02
	TypeLeave          = 0x03
	TypeNoiseHandshake = 0x10
	TypeNoiseEncrypted = 0x11
	TypeFragment       = 0x20
	TypeSyncRequest    = 0x21
	TypeFileTransfer   = 0x22
)

// Header flag bits (spec.md §3 "flags").
const (
	FlagHasRecipient = 1 << 0
	FlagHasSignature = 1 << 1
	FlagIsCompressed = 1 << 2
	FlagHasRoute     = 1 << 3
)

const (
	VersionSingleLength = 1 // 2-byte payload_length
	VersionWideLength   = 2 // 4-byte payload_length

	SenderIDSize    = 8
	RecipientIDSize = 8
	RouteHopSize    = 8
	SignatureSize   = 64

	// MaxV1Payload is the largest payload_length a v1 (2-byte length) frame can carry.
	MaxV1Payload = 0xFFFF

	// MaxV2Payload is a sanity ceiling on the variable section of a v2 (4-byte
	// length) frame. The 4-byte length field technically allows up to ~4 GiB;
	// nothing this node legitimately encodes (fragment chunks are sized to
	// mtu-24, typically a few hundred bytes) should ever approach this, so a
	// frame claiming to need more is either a caller bug or a malicious Packet
	// and gets rejected rather than attempting a multi-gigabyte allocation.
	MaxV2Payload = 16 * 1024 * 1024

	// CompressionMinSize is the smallest raw payload eligible for deflate (spec.md §4.1).
	CompressionMinSize = 100

	// DefaultTTL is the hop budget a freshly originated packet starts with (spec.md §4.7).
	DefaultTTL = 7
)

// PaddingBlockSizes are the PKCS#7 block sizes a frame is padded up to, smallest-fit first.
var PaddingBlockSizes = []int{256, 512, 1024, 2048}

// BroadcastRecipient is the reserved recipient_id meaning "every peer" (spec.md §3 invariant iii).
var BroadcastRecipient = [RecipientIDSize]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ReservedSenderID is the sender_id value that must never be produced on the wire
// (spec.md §3 invariant ii) — reserved so it can safely denote "unknown sender" internally.
var ReservedSenderID = [SenderIDSize]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Distinguished error kinds (spec.md §7). These are never stringly-typed: callers
// branch on errors.Is, and the propagation policy in spec.md §7 dictates where each
// one surfaces (wire errors are logged and dropped; crypto/link errors become events).
var (
	ErrMalformed        = errors.New("wire_malformed")
	ErrBadVersion       = errors.New("wire_bad_version")
	ErrShortFrame       = errors.New("wire_short_frame")
	ErrOversize         = errors.New("wire_oversize")
	ErrPayloadTooLarge  = errors.New("wire_payload_too_large")
	ErrRouteTooLong     = errors.New("wire_route_too_long")
	ErrBadCompression   = errors.New("wire_bad_compression")
	ErrCompressionFailed = errors.New("wire_compression_failed")
)
