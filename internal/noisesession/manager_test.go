package noisesession

import (
	"bytes"
	"testing"
	"time"

	"github.com/gridmesh/meshcore/internal/identity"
)

func newTestCredential(t *testing.T) *identity.Credential {
	t.Helper()
	cred, _, _, err := identity.NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	return cred
}

// runHandshake has both managers call EnsureHandshake, so both start a
// handshake and their message1s collide; it then drives the exchange to
// completion through the tie-break, under which the side with the
// lexicographically smaller ephemeral ID stays initiator.
func runHandshake(t *testing.T, mgrA, mgrB *Manager, idA, idB [8]byte) (*Session, *Session) {
	t.Helper()
	now := time.Now()

	msg1, startedA, err := mgrA.EnsureHandshake(idA, idB)
	if err != nil {
		t.Fatalf("A EnsureHandshake: %v", err)
	}
	msg1B, startedB, err := mgrB.EnsureHandshake(idB, idA)
	if err != nil {
		t.Fatalf("B EnsureHandshake: %v", err)
	}

	// Initiation is not gated on ID order: with no handshake in flight,
	// both sides start one.
	if !startedA || !startedB {
		t.Fatalf("expected both sides to start a handshake, got A=%v B=%v", startedA, startedB)
	}

	var initiatorMgr, responderMgr *Manager
	var initiatorID, responderID [8]byte
	var msg1Bytes []byte
	if bytes.Compare(idA[:], idB[:]) < 0 {
		initiatorMgr, responderMgr = mgrA, mgrB
		initiatorID, responderID = idA, idB
		msg1Bytes = msg1
	} else {
		initiatorMgr, responderMgr = mgrB, mgrA
		initiatorID, responderID = idB, idA
		msg1Bytes = msg1B
	}

	msg2, _, err := responderMgr.HandleHandshakeMessage(responderID, initiatorID, msg1Bytes, now)
	if err != nil {
		t.Fatalf("responder msg1: %v", err)
	}

	msg3, evInit, err := initiatorMgr.HandleHandshakeMessage(initiatorID, responderID, msg2, now)
	if err != nil {
		t.Fatalf("initiator msg2: %v", err)
	}
	if !evInit.Established {
		t.Fatal("expected initiator to reach established after msg2/msg3 exchange")
	}

	_, evResp, err := responderMgr.HandleHandshakeMessage(responderID, initiatorID, msg3, now)
	if err != nil {
		t.Fatalf("responder msg3: %v", err)
	}
	if !evResp.Established {
		t.Fatal("expected responder to reach established after msg3")
	}

	sInit, ok := initiatorMgr.SessionFor(evInit.Fingerprint)
	if !ok {
		t.Fatal("initiator session not found after establish")
	}
	sResp, ok := responderMgr.SessionFor(evResp.Fingerprint)
	if !ok {
		t.Fatal("responder session not found after establish")
	}
	return sInit, sResp
}

func TestHandshake_SimultaneousInitiationTieBreak(t *testing.T) {
	credA := newTestCredential(t)
	credB := newTestCredential(t)
	mgrA := NewManager(credA)
	mgrB := NewManager(credB)

	idA := [8]byte{0x01, 0, 0, 0, 0, 0, 0, 0}
	idB := [8]byte{0x02, 0, 0, 0, 0, 0, 0, 0}

	sInit, sResp := runHandshake(t, mgrA, mgrB, idA, idB)
	if sInit.State() != StateEstablished || sResp.State() != StateEstablished {
		t.Fatalf("expected both sessions established, got init=%v resp=%v", sInit.State(), sResp.State())
	}
}

func TestTransport_RoundTripAndOutOfOrderRejection(t *testing.T) {
	credA := newTestCredential(t)
	credB := newTestCredential(t)
	mgrA := NewManager(credA)
	mgrB := NewManager(credB)

	idA := [8]byte{0x01}
	idB := [8]byte{0x02}
	sInit, sResp := runHandshake(t, mgrA, mgrB, idA, idB)

	plaintext := []byte("hello mesh")
	ct0, err := sInit.Wrap(plaintext)
	if err != nil {
		t.Fatalf("wrap n=0: %v", err)
	}
	ct1, err := sInit.Wrap(plaintext)
	if err != nil {
		t.Fatalf("wrap n=1: %v", err)
	}

	now := time.Now()

	// Out-of-order: deliver n=1 before n=0 is accepted.
	if _, err := sResp.Unwrap(ct1, now); err != ErrOutOfOrder {
		t.Fatalf("expected ErrOutOfOrder for premature nonce, got %v", err)
	}

	got, err := sResp.Unwrap(ct0, now)
	if err != nil {
		t.Fatalf("unwrap n=0: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}

	// Replay of n=0 (now n-1 relative to expected) must also be rejected.
	if _, err := sResp.Unwrap(ct0, now); err != ErrOutOfOrder {
		t.Fatalf("expected replay of n=0 to be rejected as out of order, got %v", err)
	}

	got1, err := sResp.Unwrap(ct1, now)
	if err != nil {
		t.Fatalf("unwrap n=1: %v", err)
	}
	if !bytes.Equal(got1, plaintext) {
		t.Fatalf("roundtrip mismatch on n=1")
	}
}
