package conntrack

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Role distinguishes which side of the GATT relationship a connection record
// represents (spec.md §3 "Connection record").
type Role int

const (
	RoleCentral Role = iota
	RolePeripheral
)

func (r Role) String() string {
	if r == RoleCentral {
		return "central"
	}
	return "peripheral"
}

// State is the connection-record lifecycle (spec.md §3): discovered → pending
// → connected → subscribed → disconnected.
type State int

const (
	StateDiscovered State = iota
	StatePending
	StateConnected
	StateSubscribed
	StateDisconnected
)

// Record is one connection-table entry, keyed by (address, role). A device
// may have one active record per role simultaneously (central/peripheral
// role races, spec.md §3): both are tracked, and callers dedup payloads
// upstream rather than this layer collapsing them.
type Record struct {
	Address             string
	Role                Role
	State               State
	RSSI                RSSIWindow
	LastAttemptAt       time.Time
	ConnectedAt         time.Time
	MTU                 int
	CharacteristicHandle uint64
	NotifySubscribed    bool
}

type recordKey struct {
	address string
	role    Role
}

// Link is the read-only view of a usable (connected+subscribed) record that
// the router/BLE engine send path consumes.
type Link struct {
	Address              string
	Role                  Role
	MTU                   int
	CharacteristicHandle  uint64
}

// Tracker is the authoritative connection table (spec.md §4.4). All mutating
// operations are serialized by a single mutex: BLE dispatch is already
// serialized onto one callback queue (spec.md §5), so coarse-grained locking
// here costs nothing under real contention.
type Tracker struct {
	mu             sync.RWMutex
	records        map[recordKey]*Record
	backoff        *backoffState
	maxConnections int
}

// New creates a Tracker admitting at most maxConnections simultaneously
// connected links, the power-mode-dependent cap from spec.md §5.
func New(maxConnections int) *Tracker {
	return &Tracker{
		records:        make(map[recordKey]*Record),
		backoff:        newBackoffState(),
		maxConnections: maxConnections,
	}
}

// SetMaxConnections updates the admission cap, e.g. on a power-profile change.
func (t *Tracker) SetMaxConnections(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxConnections = n
}

// RegisterScanResult records a fresh RSSI sample for a discovered address,
// creating a discovered-state record if this address is entirely new.
func (t *Tracker) RegisterScanResult(address string, rssi int16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey{address: address, role: RoleCentral}
	r, ok := t.records[key]
	if !ok {
		r = &Record{Address: address, Role: RoleCentral, State: StateDiscovered}
		t.records[key] = r
	}
	r.RSSI.Add(rssi)
}

// IsConnectAllowed reports whether a new central-role connection attempt to
// address may begin now: no active record, no attempt in the last 5s, and
// the active-connection count is under the configured cap (spec.md §4.4).
func (t *Tracker) IsConnectAllowed(address string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	key := recordKey{address: address, role: RoleCentral}
	if r, ok := t.records[key]; ok {
		switch r.State {
		case StatePending, StateConnected, StateSubscribed:
			return false
		}
		if !r.LastAttemptAt.IsZero() && now.Sub(r.LastAttemptAt) < minAttemptInterval {
			return false
		}
	}

	if !t.backoff.Allowed(address, now) {
		return false
	}

	if t.activeCountLocked() >= t.maxConnections {
		return false
	}

	return true
}

func (t *Tracker) activeCountLocked() int {
	n := 0
	for _, r := range t.records {
		if r.State == StateConnected || r.State == StateSubscribed {
			n++
		}
	}
	return n
}

// BeginAttempt inserts (or reuses) a pending record for a central-role
// connection attempt, stamping LastAttemptAt for the rate-limit window.
func (t *Tracker) BeginAttempt(address string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey{address: address, role: RoleCentral}
	r, ok := t.records[key]
	if !ok {
		r = &Record{Address: address, Role: RoleCentral}
		t.records[key] = r
	}
	r.State = StatePending
	r.LastAttemptAt = now
}

// MarkConnected transitions a record to connected, recording the negotiated
// MTU. Used for both roles: the BLE engine calls this for central-role
// connects after GATT connect, and for peripheral-role connects when a
// central subscribes to us.
func (t *Tracker) MarkConnected(address string, role Role, mtu int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey{address: address, role: role}
	r, ok := t.records[key]
	if !ok {
		r = &Record{Address: address, Role: role}
		t.records[key] = r
	}
	r.State = StateConnected
	r.MTU = mtu
	r.ConnectedAt = now
	t.backoff.RecordSuccess(address)
	log.Debug().Str("address", address).Str("role", role.String()).Int("mtu", mtu).Msg("link connected")
}

// MarkSubscribed transitions a record to subscribed: only after CCCD
// acknowledgment (central role) or a central's notify subscription
// (peripheral role) is the link usable for sends (spec.md §4.5).
func (t *Tracker) MarkSubscribed(address string, role Role, characteristicHandle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey{address: address, role: role}
	r, ok := t.records[key]
	if !ok {
		return
	}
	r.State = StateSubscribed
	r.NotifySubscribed = true
	r.CharacteristicHandle = characteristicHandle
}

// MarkDisconnected transitions a record to disconnected and records a
// failure against the backoff state if it never reached subscribed.
func (t *Tracker) MarkDisconnected(address string, role Role, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey{address: address, role: role}
	r, ok := t.records[key]
	if !ok {
		return
	}
	reachedUsable := r.State == StateSubscribed
	r.State = StateDisconnected
	r.NotifySubscribed = false

	if role == RoleCentral && !reachedUsable {
		t.backoff.RecordFailure(address, now)
	}
}

// Forget removes a record entirely, e.g. after prolonged failure (spec.md
// §7 propagation policy (iii): "only after prolonged failure is the peer
// removed from the table").
func (t *Tracker) Forget(address string, role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, recordKey{address: address, role: role})
}

// BestLinks returns every connected+subscribed link, suitable for outgoing
// sends (spec.md §4.4). When an address has both a central-role and a
// peripheral-role usable record, only the higher-scoring one is returned
// (spec.md §4.4 "sends pick the first ready one").
func (t *Tracker) BestLinks() []Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	byAddress := make(map[string][]*Record)
	for _, r := range t.records {
		if r.State == StateSubscribed {
			byAddress[r.Address] = append(byAddress[r.Address], r)
		}
	}

	links := make([]Link, 0, len(byAddress))
	for _, records := range byAddress {
		best := bestOfDuplicates(records, now)
		links = append(links, Link{
			Address:              best.Address,
			Role:                 best.Role,
			MTU:                  best.MTU,
			CharacteristicHandle: best.CharacteristicHandle,
		})
	}
	return links
}

// Get returns the record for (address, role), if any.
func (t *Tracker) Get(address string, role Role) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[recordKey{address: address, role: role}]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// IsConnectedTo reports whether any role-record for address is usable,
// used by the scanner to avoid re-attempting a peer reachable as peripheral.
func (t *Tracker) IsConnectedTo(address string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, role := range []Role{RoleCentral, RolePeripheral} {
		if r, ok := t.records[recordKey{address: address, role: role}]; ok {
			if r.State == StateConnected || r.State == StateSubscribed {
				return true
			}
		}
	}
	return false
}
