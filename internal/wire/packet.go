// Package wire implements the mesh binary frame format: the fixed-order
// header, optional sections, PKCS#7 padding, and raw-deflate compression
// described in spec.md §3-§4.1. No JSON, protobuf, or other reflective
// framing is used anywhere on the wire — every field is laid out by hand,
// mirroring the fixed-offset header encoding the teacher uses for its own
// wire packets (portal/corev2/serdes/packet.go).
package wire

// Packet is the logical, in-memory representation of one mesh frame.
// Optional sections are represented by nil-ness, not redundant boolean
// flags: the wire `flags` byte is derived from which fields are set when
// encoding, and decoding sets the same fields back — so a packet built by
// hand and one produced by Decode are directly comparable.
type Packet struct {
	Version   byte
	Type      byte
	TTL       byte
	Timestamp uint64 // milliseconds since epoch

	SenderID [SenderIDSize]byte

	// RecipientID is nil for broadcast-less packets (flags bit 0 unset).
	// A packet addressed to everyone sets RecipientID to BroadcastRecipient.
	RecipientID *[RecipientIDSize]byte

	// Route pins the packet to an explicit hop sequence (source routing,
	// spec.md §4.6 "source-route mode"). Nil/empty means flood relay.
	Route [][RouteHopSize]byte

	// Payload is always the logical (decompressed) application payload.
	// Codec-level compression is an encoding detail, not part of the
	// packet's identity.
	Payload []byte

	// Signature is nil when the packet carries no Ed25519 signature.
	Signature *[SignatureSize]byte
}

// flags computes the wire flags byte for the current field set.
func (p *Packet) flags(compressed bool) byte {
	var f byte
	if p.RecipientID != nil {
		f |= FlagHasRecipient
	}
	if p.Signature != nil {
		f |= FlagHasSignature
	}
	if compressed {
		f |= FlagIsCompressed
	}
	if len(p.Route) > 0 {
		f |= FlagHasRoute
	}
	return f
}

// HeaderSize returns the fixed header length for the packet's version.
func HeaderSize(version byte) int {
	switch version {
	case VersionSingleLength:
		return 1 + 1 + 1 + 8 + 1 + 2 // version,type,ttl,timestamp,flags,payload_length(2)
	case VersionWideLength:
		return 1 + 1 + 1 + 8 + 1 + 4 // payload_length(4)
	default:
		return 0
	}
}

// Clone returns a deep copy, used by callers (e.g. the relay layer) that need
// to mutate TTL on a packet still referenced elsewhere.
func (p *Packet) Clone() *Packet {
	cp := *p
	if p.RecipientID != nil {
		rid := *p.RecipientID
		cp.RecipientID = &rid
	}
	if p.Signature != nil {
		sig := *p.Signature
		cp.Signature = &sig
	}
	if len(p.Route) > 0 {
		cp.Route = append([][RouteHopSize]byte(nil), p.Route...)
	}
	if len(p.Payload) > 0 {
		cp.Payload = append([]byte(nil), p.Payload...)
	}
	return &cp
}
