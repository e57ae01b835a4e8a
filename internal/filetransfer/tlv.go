// Package filetransfer implements the TLV sub-payload format carried
// inside a type=file_transfer packet's payload (spec.md §3's payload is
// opaque bytes for this type; SPEC_FULL.md §4 resolves the open question
// of its internal layout: a four-byte length CONTENT TLV, two-byte length
// prefixes for every other TLV, and a trailing SHA256 TLV whose mismatch
// silently drops the reassembled transfer). Grounded on the teacher's
// fixed-order, hand-laid-out wire structs (portal/corev2/serdes/packet.go)
// applied one level down, to a payload instead of a whole frame.
package filetransfer

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// Tag identifies one TLV field in a file_transfer payload.
type Tag byte

const (
	TagFilename Tag = 0x01
	TagMimeType Tag = 0x02
	TagContent  Tag = 0x10
	TagSHA256   Tag = 0xFF
)

var (
	ErrTruncated         = errors.New("filetransfer: truncated tlv stream")
	ErrMissingContent    = errors.New("filetransfer: missing content tlv")
	ErrMissingChecksum   = errors.New("filetransfer: missing sha256 tlv")
	ErrIntegrityMismatch = errors.New("filetransfer: sha256 mismatch")
)

// Transfer is the decoded contents of a file_transfer payload.
type Transfer struct {
	Filename string
	MimeType string
	Content  []byte
}

// Encode serializes a Transfer to the TLV payload a type=file_transfer
// packet carries, appending the trailing SHA256 integrity TLV computed
// over the content bytes.
func Encode(t Transfer) []byte {
	var out []byte
	out = appendShortTLV(out, TagFilename, []byte(t.Filename))
	out = appendShortTLV(out, TagMimeType, []byte(t.MimeType))
	out = appendLongTLV(out, TagContent, t.Content)

	sum := sha256.Sum256(t.Content)
	out = appendShortTLV(out, TagSHA256, sum[:])
	return out
}

// Decode parses a file_transfer payload, verifying the trailing SHA256
// TLV against the CONTENT TLV's bytes. A mismatch (or a payload missing
// either TLV) returns ErrIntegrityMismatch/ErrMissingContent/
// ErrMissingChecksum so the caller drops the reassembled transfer silently,
// per SPEC_FULL.md §4.
func Decode(payload []byte) (Transfer, error) {
	var t Transfer
	var haveContent, haveChecksum bool
	var checksum [32]byte

	pos := 0
	for pos < len(payload) {
		if pos+1 > len(payload) {
			return Transfer{}, ErrTruncated
		}
		tag := Tag(payload[pos])
		pos++

		var length int
		if tag == TagContent {
			if pos+4 > len(payload) {
				return Transfer{}, ErrTruncated
			}
			length = int(binary.BigEndian.Uint32(payload[pos : pos+4]))
			pos += 4
		} else {
			if pos+2 > len(payload) {
				return Transfer{}, ErrTruncated
			}
			length = int(binary.BigEndian.Uint16(payload[pos : pos+2]))
			pos += 2
		}

		if pos+length > len(payload) {
			return Transfer{}, ErrTruncated
		}
		value := payload[pos : pos+length]
		pos += length

		switch tag {
		case TagFilename:
			t.Filename = string(value)
		case TagMimeType:
			t.MimeType = string(value)
		case TagContent:
			t.Content = append([]byte(nil), value...)
			haveContent = true
		case TagSHA256:
			if length != 32 {
				return Transfer{}, ErrIntegrityMismatch
			}
			copy(checksum[:], value)
			haveChecksum = true
		}
	}

	if !haveContent {
		return Transfer{}, ErrMissingContent
	}
	if !haveChecksum {
		return Transfer{}, ErrMissingChecksum
	}
	if sha256.Sum256(t.Content) != checksum {
		return Transfer{}, ErrIntegrityMismatch
	}
	return t, nil
}

func appendShortTLV(out []byte, tag Tag, value []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(value)))
	out = append(out, byte(tag))
	out = append(out, lenBuf[:]...)
	return append(out, value...)
}

func appendLongTLV(out []byte, tag Tag, value []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	out = append(out, byte(tag))
	out = append(out, lenBuf[:]...)
	return append(out, value...)
}
