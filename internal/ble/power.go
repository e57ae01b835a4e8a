// Package ble runs the three concurrent BLE state machines described in
// spec.md §4.5: the scanner, the advertiser, and the paired central/
// peripheral GATT state machines, plus the RSSI poller and scan-restart
// timer from spec.md §5. Grounded on the teacher's background-task
// supervision style (cmd/relay-server/main.go: signal.NotifyContext plus a
// drained task set) generalized from "one HTTP server + one lease manager"
// to four cooperating loops (scan, advertise, peripheral GATT, RSSI poll),
// using golang.org/x/sync/errgroup exactly as
// the teacher does for graceful shutdown.
package ble

import "time"

// Profile is one of the power modes named in spec.md §5/§6 StartConfig,
// each carrying its own max_connections, scan duty-cycle, and RSSI gate.
type Profile string

const (
	ProfilePerformance Profile = "performance"
	ProfileBalanced    Profile = "balanced"
	ProfilePowerSaver  Profile = "power_saver"
)

// Limits bundles the power-profile-dependent constants spec.md §4.4/§4.5/§5
// leave to the implementation to fill in ("power-mode dependent").
type Limits struct {
	MaxConnections  int
	ScanRestartEvery time.Duration
	AdvertiseRestartEvery time.Duration
	RSSIThresholdDBM int16
	RSSIPollEvery    time.Duration
	// ScanDutyCycleOn/Off describe a duty-cycled scan for budget profiles
	// (zero Off means continuous). The engine does not read them: scanLoop
	// scans continuously, restarting every ScanRestartEvery, on every
	// profile.
	ScanDutyCycleOn  time.Duration
	ScanDutyCycleOff time.Duration
}

// LimitsFor returns the concrete constants for a power profile. Both
// "performance" and "balanced" restart scans every 25s (spec.md §4.5);
// "performance" gates at −95 dBm and "balanced" at −90 dBm. "power_saver"
// follows spec.md's "30s on budget devices" note, gates at −85 dBm and sets
// duty-cycle fields (unused by the engine, see Limits). The per-profile
// figures are decisions recorded in DESIGN.md.
func LimitsFor(p Profile) Limits {
	switch p {
	case ProfilePerformance:
		return Limits{
			MaxConnections:        8,
			ScanRestartEvery:      25 * time.Second,
			AdvertiseRestartEvery: 30 * time.Second,
			RSSIThresholdDBM:      -95,
			RSSIPollEvery:         15 * time.Second,
		}
	case ProfilePowerSaver:
		return Limits{
			MaxConnections:        3,
			ScanRestartEvery:      30 * time.Second,
			AdvertiseRestartEvery: 30 * time.Second,
			RSSIThresholdDBM:      -85,
			RSSIPollEvery:         60 * time.Second,
			ScanDutyCycleOn:       5 * time.Second,
			ScanDutyCycleOff:      10 * time.Second,
		}
	case ProfileBalanced:
		fallthrough
	default:
		return Limits{
			MaxConnections:        5,
			ScanRestartEvery:      25 * time.Second,
			AdvertiseRestartEvery: 30 * time.Second,
			RSSIThresholdDBM:      -90,
			RSSIPollEvery:         30 * time.Second,
		}
	}
}

// MinScanStartInterval is the minimum gap between scan starts regardless of
// profile, to avoid "scanning too frequently" stack errors (spec.md §4.5).
const MinScanStartInterval = 5 * time.Second

// ScanRateLimitRecovery is the back-off period for a "too frequently"
// scan-start error (spec.md §5). The engine does not reference it: a failed
// scan start is logged and the next cycle starts on the usual schedule.
const ScanRateLimitRecovery = 10 * time.Second

// ConnectTimeout bounds a single connection attempt (spec.md §5).
const ConnectTimeout = 10 * time.Second

// DisconnectDrainDelay is how long a clean disconnect waits before record
// cleanup, to let pending operations drain (spec.md §4.5).
const DisconnectDrainDelay = 500 * time.Millisecond

// AndroidConnectionFailedStatus is the observed status code that triggers
// immediate (non-delayed) record cleanup (spec.md §4.5).
const AndroidConnectionFailedStatus = 147

// TargetMTU and MinimumMTU bound MTU negotiation (spec.md §6).
const (
	TargetMTU  = 517
	MinimumMTU = 23
)

// FragmentFramingOverhead is subtracted from MTU to decide whether an
// encoded packet needs fragmentation (spec.md §4.2): the ATT write-request
// opcode and handle bytes that don't carry application payload.
const FragmentFramingOverhead = 3
