package wire

import (
	"bytes"
	"errors"
	"testing"
)

func makeSender(b byte) [SenderIDSize]byte {
	var s [SenderIDSize]byte
	for i := range s {
		s[i] = b
	}
	return s
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  *Packet
		opts EncodeOptions
	}{
		{
			name: "broadcast text, padded",
			pkt: &Packet{
				Type:        TypeMessage,
				TTL:         DefaultTTL,
				Timestamp:   1700000000000,
				SenderID:    makeSender(0x01),
				RecipientID: &BroadcastRecipient,
				Payload:     []byte("hi"),
			},
			opts: EncodeOptions{Padding: true},
		},
		{
			name: "private, with route and signature",
			pkt: func() *Packet {
				var sig [SignatureSize]byte
				for i := range sig {
					sig[i] = 0xAB
				}
				recipient := makeSender(0x02)
				return &Packet{
					Type:        TypeMessage,
					TTL:         3,
					Timestamp:   42,
					SenderID:    makeSender(0x01),
					RecipientID: (*[RecipientIDSize]byte)(&recipient),
					Route:       [][RouteHopSize]byte{makeSender(0x03), makeSender(0x04)},
					Payload:     []byte("private hello"),
					Signature:   &sig,
				}
			}(),
			opts: EncodeOptions{Padding: false},
		},
		{
			name: "no optional sections",
			pkt: &Packet{
				Type:      TypeAnnounce,
				TTL:       1,
				Timestamp: 7,
				SenderID:  makeSender(0x09),
				Payload:   nil,
			},
			opts: EncodeOptions{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.pkt, tc.opts)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Type != tc.pkt.Type || got.TTL != tc.pkt.TTL || got.Timestamp != tc.pkt.Timestamp {
				t.Fatalf("header mismatch: got %+v want %+v", got, tc.pkt)
			}
			if got.SenderID != tc.pkt.SenderID {
				t.Fatalf("sender_id mismatch")
			}
			if !bytes.Equal(got.Payload, tc.pkt.Payload) {
				t.Fatalf("payload mismatch: got %q want %q", got.Payload, tc.pkt.Payload)
			}
			if (got.RecipientID == nil) != (tc.pkt.RecipientID == nil) {
				t.Fatalf("recipient_id presence mismatch")
			}
			if got.RecipientID != nil && *got.RecipientID != *tc.pkt.RecipientID {
				t.Fatalf("recipient_id value mismatch")
			}
			if len(got.Route) != len(tc.pkt.Route) {
				t.Fatalf("route length mismatch")
			}
			for i := range got.Route {
				if got.Route[i] != tc.pkt.Route[i] {
					t.Fatalf("route hop %d mismatch", i)
				}
			}
			if (got.Signature == nil) != (tc.pkt.Signature == nil) {
				t.Fatalf("signature presence mismatch")
			}
			if got.Signature != nil && *got.Signature != *tc.pkt.Signature {
				t.Fatalf("signature value mismatch")
			}
		})
	}
}

// TestScenarioBroadcastPadsTo256 exercises the concrete scenario: a short
// broadcast text message, padded, produces a 256-byte v1 frame.
func TestScenarioBroadcastPadsTo256(t *testing.T) {
	pkt := &Packet{
		Version:     VersionSingleLength,
		Type:        TypeMessage,
		TTL:         DefaultTTL,
		Timestamp:   1700000000000,
		SenderID:    makeSender(0x01),
		RecipientID: &BroadcastRecipient,
		Payload:     []byte("hi"),
	}
	frame, err := Encode(pkt, EncodeOptions{Padding: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frame) != 256 {
		t.Fatalf("expected padded frame of 256 bytes, got %d", len(frame))
	}

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode padded frame: %v", err)
	}
	if string(got.Payload) != "hi" {
		t.Fatalf("payload mismatch after unpadding: %q", got.Payload)
	}
}

// TestScenarioCompressionThreshold checks the 100-byte compression
// eligibility boundary (spec.md §4.1).
func TestScenarioCompressionThreshold(t *testing.T) {
	below := bytes.Repeat([]byte{0x41}, 99)
	above := bytes.Repeat([]byte{0x41}, 500)

	for _, tc := range []struct {
		name       string
		payload    []byte
		compressed bool
	}{
		{"below threshold", below, false},
		{"above threshold", above, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pkt := &Packet{
				Type:      TypeMessage,
				TTL:       DefaultTTL,
				Timestamp: 1,
				SenderID:  makeSender(0x01),
				Payload:   tc.payload,
			}
			frame, err := Encode(pkt, EncodeOptions{Compression: true})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			// flags byte: version, type, ttl, 8-byte timestamp, then flags
			if gotCompressed := frame[11]&FlagIsCompressed != 0; gotCompressed != tc.compressed {
				t.Fatalf("is_compressed = %v, want %v", gotCompressed, tc.compressed)
			}
			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(got.Payload, tc.payload) {
				t.Fatalf("payload mismatch: got len %d want len %d", len(got.Payload), len(tc.payload))
			}
		})
	}
}

func TestEncodeForSigningInvariantUnderTTLAndSignature(t *testing.T) {
	var sig [SignatureSize]byte
	for i := range sig {
		sig[i] = 0x55
	}

	base := &Packet{
		Type:      TypeMessage,
		TTL:       7,
		Timestamp: 99,
		SenderID:  makeSender(0x01),
		Payload:   []byte("signed content"),
	}
	withSig := base.Clone()
	withSig.Signature = &sig
	withSig.TTL = 2

	got1, err := EncodeForSigning(base)
	if err != nil {
		t.Fatalf("EncodeForSigning base: %v", err)
	}
	got2, err := EncodeForSigning(withSig)
	if err != nil {
		t.Fatalf("EncodeForSigning withSig: %v", err)
	}
	if !bytes.Equal(got1, got2) {
		t.Fatalf("encode_for_signing not invariant under ttl/signature changes")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{VersionSingleLength, 0x01}); err == nil {
		t.Fatalf("expected error decoding short frame")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	frame := make([]byte, HeaderSize(VersionSingleLength)+SenderIDSize)
	frame[0] = 0x7F
	if _, err := Decode(frame); err == nil {
		t.Fatalf("expected bad version error")
	}
}

func TestPadPromotesToWideVersionOnlyWhenNeeded(t *testing.T) {
	pkt := &Packet{
		Type:      TypeMessage,
		TTL:       1,
		Timestamp: 1,
		SenderID:  makeSender(0x01),
		Payload:   bytes.Repeat([]byte{0x01}, 10),
	}
	frame, err := Encode(pkt, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if frame[0] != VersionSingleLength {
		t.Fatalf("expected v1 frame for small payload, got version %d", frame[0])
	}
}

// TestEncodeRejectsExplicitV1Overflow exercises ErrPayloadTooLarge: a caller
// that pins Version to VersionSingleLength must get a hard failure rather
// than a silent upgrade to v2 when the payload doesn't fit a 2-byte length.
func TestEncodeRejectsExplicitV1Overflow(t *testing.T) {
	pkt := &Packet{
		Version:   VersionSingleLength,
		Type:      TypeMessage,
		TTL:       1,
		Timestamp: 1,
		SenderID:  makeSender(0x01),
		Payload:   bytes.Repeat([]byte{0x01}, MaxV1Payload+1),
	}
	if _, err := Encode(pkt, EncodeOptions{}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

// TestEncodeAutoSelectUpgradesInsteadOfFailing confirms the companion
// behavior: with no explicit version pinned, the same oversize payload
// silently promotes to v2 instead of failing (spec.md §3).
func TestEncodeAutoSelectUpgradesInsteadOfFailing(t *testing.T) {
	pkt := &Packet{
		Type:      TypeMessage,
		TTL:       1,
		Timestamp: 1,
		SenderID:  makeSender(0x01),
		Payload:   bytes.Repeat([]byte{0x01}, MaxV1Payload+1),
	}
	frame, err := Encode(pkt, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if frame[0] != VersionWideLength {
		t.Fatalf("expected auto-upgrade to v2, got version %d", frame[0])
	}
}

func TestEncodeRejectsTooManyRouteHops(t *testing.T) {
	route := make([][RouteHopSize]byte, 256)
	pkt := &Packet{
		Type:      TypeMessage,
		TTL:       1,
		Timestamp: 1,
		SenderID:  makeSender(0x01),
		Route:     route,
		Payload:   []byte("hi"),
	}
	if _, err := Encode(pkt, EncodeOptions{}); !errors.Is(err, ErrRouteTooLong) {
		t.Fatalf("expected ErrRouteTooLong, got %v", err)
	}
}

// TestEncodeRejectsOversizePadding exercises ErrOversize: a frame at or
// beyond the largest padding block has no block left to pad into.
func TestEncodeRejectsOversizePadding(t *testing.T) {
	pkt := &Packet{
		Type:      TypeMessage,
		TTL:       1,
		Timestamp: 1,
		SenderID:  makeSender(0x01),
		Payload:   bytes.Repeat([]byte{0x01}, 2048),
	}
	if _, err := Encode(pkt, EncodeOptions{Padding: true}); !errors.Is(err, ErrOversize) {
		t.Fatalf("expected ErrOversize, got %v", err)
	}
}

// TestEncodeCompressionFailedOnOversizeOriginal exercises ErrCompressionFailed:
// original_size is a 2-byte field, so a compressible payload whose raw length
// exceeds 65535 can't record its pre-compression size even though deflate
// would shrink it.
func TestEncodeCompressionFailedOnOversizeOriginal(t *testing.T) {
	pkt := &Packet{
		Type:      TypeMessage,
		TTL:       1,
		Timestamp: 1,
		SenderID:  makeSender(0x01),
		Payload:   bytes.Repeat([]byte{0x41}, 0xFFFF+1),
	}
	if _, err := Encode(pkt, EncodeOptions{Compression: true}); !errors.Is(err, ErrCompressionFailed) {
		t.Fatalf("expected ErrCompressionFailed, got %v", err)
	}
}

func TestPKCS7PadUnpadSingleLayer(t *testing.T) {
	data := []byte("some frame bytes that need padding")
	padded, err := pkcs7Pad(data)
	if err != nil {
		t.Fatalf("pkcs7Pad: %v", err)
	}
	if len(padded)%256 != 0 && len(padded) != 256 && len(padded) != 512 {
		t.Fatalf("unexpected padded length %d", len(padded))
	}
	unpadded, err := pkcs7Unpad(padded)
	if err != nil {
		t.Fatalf("pkcs7Unpad: %v", err)
	}
	if !bytes.Equal(unpadded, data) {
		t.Fatalf("unpad mismatch: got %q want %q", unpadded, data)
	}

	// Stripping a second layer off already-unpadded data must not silently
	// succeed by accident in any caller that double-calls unpad.
	if _, err := pkcs7Unpad(unpadded); err == nil {
		t.Logf("pkcs7Unpad on non-padded data happened to find a trailing byte matching its own count; this is expected to be rare, not impossible")
	}
}
