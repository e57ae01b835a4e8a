package router

import "sync"

// peerInfo is what the router learns about a remote node from its
// announce packets: which address currently carries it and which
// ephemeral peer ID it is presently using (spec.md §3 rotating identity).
type peerInfo struct {
	address     string
	ephemeralID [8]byte
}

// directory maps a peer's long-lived static fingerprint to its
// currently-known transport address and ephemeral ID. It also keeps the
// reverse ephemeral-ID→address mapping relay.SelectForwardLinks needs for
// source-route resolution (spec.md §4.6 step 5).
type directory struct {
	mu                 sync.RWMutex
	byFingerprint      map[[32]byte]peerInfo
	addressByEphID     map[[8]byte]string
	fingerprintByEphID map[[8]byte][32]byte
}

func newDirectory() *directory {
	return &directory{
		byFingerprint:      make(map[[32]byte]peerInfo),
		addressByEphID:     make(map[[8]byte]string),
		fingerprintByEphID: make(map[[8]byte][32]byte),
	}
}

// Learn records (or refreshes) a peer sighting.
func (d *directory) Learn(fingerprint [32]byte, address string, ephemeralID [8]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byFingerprint[fingerprint] = peerInfo{address: address, ephemeralID: ephemeralID}
	d.addressByEphID[ephemeralID] = address
	d.fingerprintByEphID[ephemeralID] = fingerprint
}

// FingerprintOf resolves an ephemeral peer ID to the fingerprint last seen
// using it, for attributing unsigned message-type packets to a sender.
func (d *directory) FingerprintOf(ephemeralID [8]byte) ([32]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fp, ok := d.fingerprintByEphID[ephemeralID]
	return fp, ok
}

// Lookup resolves a static fingerprint to its last-known address/ephemeral ID.
func (d *directory) Lookup(fingerprint [32]byte) (peerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.byFingerprint[fingerprint]
	return info, ok
}

// AddressOf resolves an ephemeral peer ID to its last-known address,
// satisfying relay.AddressOfPeerID.
func (d *directory) AddressOf(peerID [8]byte) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addressByEphID[peerID]
	return addr, ok
}

// Forget drops a fingerprint's directory entry, e.g. once it's gone
// offline for good.
func (d *directory) Forget(fingerprint [32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info, ok := d.byFingerprint[fingerprint]; ok {
		delete(d.addressByEphID, info.ephemeralID)
	}
	delete(d.byFingerprint, fingerprint)
}
