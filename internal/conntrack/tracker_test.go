package conntrack

import (
	"testing"
	"time"
)

func TestIsConnectAllowed_RespectsMaxConnections(t *testing.T) {
	tr := New(1)
	now := time.Now()

	if !tr.IsConnectAllowed("aa:bb", now) {
		t.Fatal("expected first attempt to be allowed")
	}

	tr.BeginAttempt("aa:bb", now)
	tr.MarkConnected("aa:bb", RoleCentral, 517, now)
	tr.MarkSubscribed("aa:bb", RoleCentral, 1)

	if tr.IsConnectAllowed("cc:dd", now) {
		t.Fatal("expected second connection to be rejected at cap")
	}
}

func TestIsConnectAllowed_RateLimitsRepeatedAttempts(t *testing.T) {
	tr := New(8)
	now := time.Now()

	tr.BeginAttempt("aa:bb", now)
	tr.MarkDisconnected("aa:bb", RoleCentral, now)

	if tr.IsConnectAllowed("aa:bb", now.Add(1*time.Second)) {
		t.Fatal("expected attempt within 5s window to be rejected")
	}
	if !tr.IsConnectAllowed("aa:bb", now.Add(10*time.Second)) {
		t.Fatal("expected attempt after rate-limit window to be allowed")
	}
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	b := newBackoffState()
	now := time.Now()

	b.RecordFailure("aa:bb", now)
	if b.Allowed("aa:bb", now.Add(1*time.Second)) {
		t.Fatal("expected backoff to block immediate retry")
	}
	if !b.Allowed("aa:bb", now.Add(4*time.Second)) {
		t.Fatal("expected backoff to clear after base delay")
	}

	// Drive many consecutive failures; delay should never exceed the cap.
	for i := 0; i < 10; i++ {
		b.RecordFailure("aa:bb", now)
	}
	if b.Allowed("aa:bb", now.Add(backoffCap-time.Second)) {
		t.Fatal("expected capped backoff to still be blocking just under the cap")
	}
	if !b.Allowed("aa:bb", now.Add(backoffCap+time.Second)) {
		t.Fatal("expected capped backoff to clear just after the cap")
	}
}

func TestBestLinks_PrefersHigherScoringDuplicateRole(t *testing.T) {
	tr := New(8)
	now := time.Now()

	tr.MarkConnected("aa:bb", RoleCentral, 517, now.Add(-10*time.Second))
	tr.MarkSubscribed("aa:bb", RoleCentral, 1)
	for _, rec := range []*Record{} {
		_ = rec
	}

	tr.MarkConnected("aa:bb", RolePeripheral, 517, now.Add(-10*time.Second))
	tr.MarkSubscribed("aa:bb", RolePeripheral, 2)

	// Boost the peripheral-role RSSI so it should win.
	tr.mu.Lock()
	tr.records[recordKey{address: "aa:bb", role: RolePeripheral}].RSSI.Add(-40)
	tr.records[recordKey{address: "aa:bb", role: RoleCentral}].RSSI.Add(-90)
	tr.mu.Unlock()

	links := tr.BestLinks()
	if len(links) != 1 {
		t.Fatalf("expected exactly one deduplicated link, got %d", len(links))
	}
	if links[0].Role != RolePeripheral {
		t.Fatalf("expected peripheral-role link to win on RSSI, got %s", links[0].Role)
	}
}

func TestMarkDisconnected_OnlyPenalizesCentralBeforeSubscribed(t *testing.T) {
	tr := New(8)
	now := time.Now()

	tr.BeginAttempt("aa:bb", now)
	tr.MarkConnected("aa:bb", RoleCentral, 517, now)
	tr.MarkDisconnected("aa:bb", RoleCentral, now)

	// Checked on the backoff state itself: IsConnectAllowed at +1s is already
	// refused by the 5s attempt window, whatever the backoff says.
	if tr.backoff.Allowed("aa:bb", now.Add(1*time.Second)) {
		t.Fatal("expected backoff penalty after disconnect before subscribe")
	}
}
