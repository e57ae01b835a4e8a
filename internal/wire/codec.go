package wire

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// EncodeOptions controls the optional encoding behavior described in spec.md §4.1.
type EncodeOptions struct {
	Padding     bool
	Compression bool
}

var framePool bytebufferpool.Pool

// Encode maps a Packet to wire bytes per spec.md §3-§4.1.
func Encode(p *Packet, opts EncodeOptions) ([]byte, error) {
	if len(p.Route) > 0xFF {
		return nil, ErrRouteTooLong
	}

	payload := p.Payload
	compressed := false
	var originalSize uint16
	if opts.Compression && len(payload) >= CompressionMinSize {
		deflated, err := deflateRaw(payload)
		if err == nil && len(deflated) < len(payload) {
			if len(payload) > 0xFFFF {
				return nil, ErrCompressionFailed
			}
			originalSize = uint16(len(payload))
			payload = deflated
			compressed = true
		}
	}

	explicitVersion := p.Version != 0
	version := p.Version
	if version == 0 {
		version = VersionSingleLength
	}

	// variable section length: route + original_size(if compressed) + payload
	varLen := 0
	if len(p.Route) > 0 {
		varLen += 1 + len(p.Route)*RouteHopSize
	}
	if compressed {
		varLen += 2
	}
	varLen += len(payload)

	if version == VersionSingleLength && varLen > MaxV1Payload {
		// spec.md §3: "implementations emit v1 unless payload_length exceeds
		// 65,535, in which case v2" — auto-select silently upgrades. But a
		// caller that explicitly pinned p.Version to VersionSingleLength asked
		// for the 2-byte length field specifically (e.g. interop with a decoder
		// that only understands v1); honor that by failing instead of
		// overriding their choice (spec.md §4.1 encode: "fails with
		// payload_too_large if v1 length > 65535").
		if explicitVersion {
			return nil, ErrPayloadTooLarge
		}
		version = VersionWideLength
	}
	if varLen > MaxV2Payload {
		return nil, ErrOversize
	}

	buf := framePool.Get()
	defer framePool.Put(buf)
	buf.Reset()

	hdr := HeaderSize(version)
	total := hdr + SenderIDSize + varLen
	if p.RecipientID != nil {
		total += RecipientIDSize
	}
	if p.Signature != nil {
		total += SignatureSize
	}

	buf.B = growTo(buf.B, total)
	b := buf.B
	pos := 0

	b[pos] = version
	pos++
	b[pos] = p.Type
	pos++
	b[pos] = p.TTL
	pos++
	binary.BigEndian.PutUint64(b[pos:pos+8], p.Timestamp)
	pos += 8
	b[pos] = p.flags(compressed)
	pos++

	if version == VersionSingleLength {
		binary.BigEndian.PutUint16(b[pos:pos+2], uint16(varLen))
		pos += 2
	} else {
		binary.BigEndian.PutUint32(b[pos:pos+4], uint32(varLen))
		pos += 4
	}

	copy(b[pos:pos+SenderIDSize], p.SenderID[:])
	pos += SenderIDSize

	if p.RecipientID != nil {
		copy(b[pos:pos+RecipientIDSize], p.RecipientID[:])
		pos += RecipientIDSize
	}

	if len(p.Route) > 0 {
		b[pos] = byte(len(p.Route))
		pos++
		for _, hop := range p.Route {
			copy(b[pos:pos+RouteHopSize], hop[:])
			pos += RouteHopSize
		}
	}

	if compressed {
		binary.BigEndian.PutUint16(b[pos:pos+2], originalSize)
		pos += 2
	}

	copy(b[pos:pos+len(payload)], payload)
	pos += len(payload)

	if p.Signature != nil {
		copy(b[pos:pos+SignatureSize], p.Signature[:])
		pos += SignatureSize
	}

	out := append([]byte(nil), b[:pos]...)

	if opts.Padding {
		padded, err := pkcs7Pad(out)
		if err != nil {
			return nil, err
		}
		out = padded
	}

	return out, nil
}

// Decode maps wire bytes back to a Packet. It tries the bytes as-is first;
// on failure it strips one layer of PKCS#7 padding and retries once
// (spec.md §4.1 decode, and the "single padding layer" testable property).
func Decode(frame []byte) (*Packet, error) {
	p, err := decodeFrame(frame)
	if err == nil {
		return p, nil
	}

	unpadded, unpadErr := pkcs7Unpad(frame)
	if unpadErr != nil {
		return nil, err
	}
	return decodeFrame(unpadded)
}

func decodeFrame(frame []byte) (*Packet, error) {
	if len(frame) < 1 {
		return nil, ErrShortFrame
	}
	version := frame[0]
	if version != VersionSingleLength && version != VersionWideLength {
		return nil, ErrBadVersion
	}

	hdr := HeaderSize(version)
	if len(frame) < hdr {
		return nil, ErrShortFrame
	}

	pos := 1
	p := &Packet{Version: version}
	p.Type = frame[pos]
	pos++
	p.TTL = frame[pos]
	pos++
	p.Timestamp = binary.BigEndian.Uint64(frame[pos : pos+8])
	pos += 8
	flags := frame[pos]
	pos++

	var payloadLen int
	if version == VersionSingleLength {
		payloadLen = int(binary.BigEndian.Uint16(frame[pos : pos+2]))
		pos += 2
	} else {
		payloadLen = int(binary.BigEndian.Uint32(frame[pos : pos+4]))
		pos += 4
	}

	needed := hdr + SenderIDSize + payloadLen
	hasRecipient := flags&FlagHasRecipient != 0
	hasSignature := flags&FlagHasSignature != 0
	if hasRecipient {
		needed += RecipientIDSize
	}
	if hasSignature {
		needed += SignatureSize
	}
	if len(frame) < needed {
		return nil, ErrShortFrame
	}

	if pos+SenderIDSize > len(frame) {
		return nil, ErrMalformed
	}
	copy(p.SenderID[:], frame[pos:pos+SenderIDSize])
	pos += SenderIDSize

	if hasRecipient {
		var rid [RecipientIDSize]byte
		copy(rid[:], frame[pos:pos+RecipientIDSize])
		p.RecipientID = &rid
		pos += RecipientIDSize
	}

	varEnd := pos + payloadLen
	if varEnd > len(frame) {
		return nil, ErrMalformed
	}

	if flags&FlagHasRoute != 0 {
		if pos >= varEnd {
			return nil, ErrMalformed
		}
		count := int(frame[pos])
		pos++
		need := count * RouteHopSize
		if pos+need > varEnd {
			return nil, ErrMalformed
		}
		p.Route = make([][RouteHopSize]byte, count)
		for i := 0; i < count; i++ {
			copy(p.Route[i][:], frame[pos:pos+RouteHopSize])
			pos += RouteHopSize
		}
	}

	isCompressed := flags&FlagIsCompressed != 0
	var originalSize int
	if isCompressed {
		if pos+2 > varEnd {
			return nil, ErrMalformed
		}
		originalSize = int(binary.BigEndian.Uint16(frame[pos : pos+2]))
		pos += 2
	}

	rawPayload := frame[pos:varEnd]
	pos = varEnd

	if isCompressed {
		decompressed, err := inflateRaw(rawPayload, originalSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadCompression, err)
		}
		p.Payload = decompressed
	} else {
		p.Payload = append([]byte(nil), rawPayload...)
	}

	if hasSignature {
		if pos+SignatureSize > len(frame) {
			return nil, ErrMalformed
		}
		var sig [SignatureSize]byte
		copy(sig[:], frame[pos:pos+SignatureSize])
		p.Signature = &sig
		pos += SignatureSize
	}

	return p, nil
}

// EncodeForSigning produces the deterministic pre-image that gets Ed25519-signed
// (spec.md §4.1): TTL forced to 0, no signature, no padding, no compression. It is
// invariant under later mutation of ttl/signature because both are stripped here
// before encoding, regardless of what the caller's packet actually holds.
func EncodeForSigning(p *Packet) ([]byte, error) {
	clone := p.Clone()
	clone.TTL = 0
	clone.Signature = nil
	return Encode(clone, EncodeOptions{Padding: false, Compression: false})
}

func deflateRaw(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflateRaw decompresses raw-deflate, falling back once to zlib-wrapped
// deflate for cross-platform interop (spec.md §4.1 decode).
func inflateRaw(data []byte, expectedSize int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(expectedSize)+1))
	if err == nil && len(out) == expectedSize {
		return out, nil
	}

	zr, zerr := zlib.NewReader(bytes.NewReader(data))
	if zerr != nil {
		return nil, zerr
	}
	defer zr.Close()
	out2, err2 := io.ReadAll(io.LimitReader(zr, int64(expectedSize)+1))
	if err2 != nil {
		return nil, err2
	}
	if len(out2) != expectedSize {
		return nil, ErrBadCompression
	}
	return out2, nil
}

func growTo(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

// pkcs7Pad pads out to the smallest block size in PaddingBlockSizes that
// leaves room for at least one byte of padding (spec.md §3). The pad length
// marker must itself fit in a byte, which constrains how close data can get
// to a block boundary; in practice every frame carries a non-empty header so
// this never binds.
func pkcs7Pad(data []byte) ([]byte, error) {
	var target int
	for _, size := range PaddingBlockSizes {
		if len(data) < size {
			target = size
			break
		}
	}
	if target == 0 {
		return nil, ErrOversize
	}
	padLen := target - len(data)
	if padLen > 255 {
		return nil, ErrOversize
	}
	out := make([]byte, target)
	copy(out, data)
	for i := len(data); i < target; i++ {
		out[i] = byte(padLen)
	}
	return out, nil
}

// pkcs7Unpad strips exactly one layer of PKCS#7 padding.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrMalformed
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrMalformed
	}
	for i := len(data) - padLen; i < len(data); i++ {
		if data[i] != byte(padLen) {
			return nil, ErrMalformed
		}
	}
	return data[:len(data)-padLen], nil
}
