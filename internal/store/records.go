package store

import (
	"encoding/binary"
	"errors"
)

// ErrRecordTruncated is returned when a decoded record's stored length
// prefix runs past the end of the decrypted bytes.
var ErrRecordTruncated = errors.New("store: record truncated")

// IdentityRecord is the persisted form of an identity.Credential (spec.md
// §6 "identity file — {noise_static_key, signing_key, static_fingerprint}").
// static_fingerprint is re-derived from the signing key on load rather than
// stored, since identity.DeriveFingerprint is deterministic.
type IdentityRecord struct {
	SigningPrivateKey [64]byte
	NoiseStaticKey    [32]byte
}

func encodeIdentity(r IdentityRecord) []byte {
	out := make([]byte, 0, 96)
	out = append(out, r.SigningPrivateKey[:]...)
	out = append(out, r.NoiseStaticKey[:]...)
	return out
}

func decodeIdentity(data []byte) (IdentityRecord, error) {
	var r IdentityRecord
	if len(data) != 96 {
		return r, ErrRecordTruncated
	}
	copy(r.SigningPrivateKey[:], data[:64])
	copy(r.NoiseStaticKey[:], data[64:96])
	return r, nil
}

// SettingsRecord is the persisted form of spec.md §6's settings file:
// {nickname, last_ephemeral_id, last_rotation_time, power_profile}.
type SettingsRecord struct {
	Nickname         string
	LastEphemeralID  [8]byte
	LastRotationUnix int64 // UnixMilli, 0 means never rotated
	PowerProfile     string
	RotationEnabled  bool
	TorDisabled      bool
}

func encodeSettings(r SettingsRecord) []byte {
	var out []byte
	out = appendString(out, r.Nickname)
	out = append(out, r.LastEphemeralID[:]...)

	var unixBuf [8]byte
	binary.BigEndian.PutUint64(unixBuf[:], uint64(r.LastRotationUnix))
	out = append(out, unixBuf[:]...)

	out = appendString(out, r.PowerProfile)
	out = append(out, boolByte(r.RotationEnabled), boolByte(r.TorDisabled))
	return out
}

func decodeSettings(data []byte) (SettingsRecord, error) {
	var r SettingsRecord
	pos := 0

	nickname, n, err := readString(data, pos)
	if err != nil {
		return r, err
	}
	r.Nickname = nickname
	pos = n

	if pos+8 > len(data) {
		return r, ErrRecordTruncated
	}
	copy(r.LastEphemeralID[:], data[pos:pos+8])
	pos += 8

	if pos+8 > len(data) {
		return r, ErrRecordTruncated
	}
	r.LastRotationUnix = int64(binary.BigEndian.Uint64(data[pos : pos+8]))
	pos += 8

	profile, n, err := readString(data, pos)
	if err != nil {
		return r, err
	}
	r.PowerProfile = profile
	pos = n

	if pos+2 > len(data) {
		return r, ErrRecordTruncated
	}
	r.RotationEnabled = data[pos] != 0
	r.TorDisabled = data[pos+1] != 0

	return r, nil
}

func appendString(out []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	out = append(out, lenBuf[:]...)
	return append(out, s...)
}

func readString(data []byte, pos int) (string, int, error) {
	if pos+2 > len(data) {
		return "", 0, ErrRecordTruncated
	}
	length := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if pos+length > len(data) {
		return "", 0, ErrRecordTruncated
	}
	return string(data[pos : pos+length]), pos + length, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
