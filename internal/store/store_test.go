package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/gridmesh/meshcore/internal/identity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db"), filepath.Join(dir, "master.key"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_IdentityRoundTrip(t *testing.T) {
	s := openTestStore(t)

	cred, signingPrivate, noiseStatic, err := identity.NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	var signingPrivateArr [64]byte
	copy(signingPrivateArr[:], signingPrivate)

	if err := s.SaveIdentity(signingPrivateArr, noiseStatic); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}

	got, _, err := s.LoadIdentity()
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if got.Fingerprint() != cred.Fingerprint() {
		t.Fatal("reloaded credential has a different fingerprint")
	}
}

func TestStore_LoadIdentityNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.LoadIdentity(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	record := SettingsRecord{
		Nickname:         "alice",
		LastEphemeralID:  [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		LastRotationUnix: 1234567890,
		PowerProfile:     "balanced",
		RotationEnabled:  true,
		TorDisabled:      false,
	}
	if err := s.SaveSettings(record); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	got, err := s.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got != record {
		t.Fatalf("settings mismatch: got %+v want %+v", got, record)
	}
}

func TestStore_PanicWipeRemovesEverything(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db")
	keyPath := filepath.Join(dir, "master.key")

	s, err := Open(dbPath, keyPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveSettings(SettingsRecord{Nickname: "bob"}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	if err := s.PanicWipe(); err != nil {
		t.Fatalf("PanicWipe: %v", err)
	}

	reopened, err := Open(dbPath, keyPath)
	if err != nil {
		t.Fatalf("reopening after wipe should succeed with fresh state: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.LoadSettings(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected settings gone after wipe (ErrNotFound), got %v", err)
	}
}

func TestStore_WrongMasterKeyFailsToDecrypt(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db")
	keyPath := filepath.Join(dir, "master.key")

	s, err := Open(dbPath, keyPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveSettings(SettingsRecord{Nickname: "carol"}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Swap in a different master key without touching the database,
	// simulating a corrupted or mismatched keystore.
	freshKey, err := EnsureMasterKey(filepath.Join(dir, "other.key"))
	if err != nil {
		t.Fatalf("EnsureMasterKey: %v", err)
	}
	reopened, err := Open(dbPath, keyPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	reopened.masterKey = freshKey
	defer reopened.Close()

	if _, err := reopened.LoadSettings(); !errors.Is(err, ErrEnvelopeOpenFailed) {
		t.Fatalf("expected ErrEnvelopeOpenFailed, got %v", err)
	}
}
