package ble

import (
	"context"

	"github.com/google/uuid"
)

// ScanResult is one advertisement observed by the host scanner.
type ScanResult struct {
	Address      string
	RSSI         int16
	ServiceUUIDs []uuid.UUID
}

// Scanner is the host OS's BLE central-scan capability. A platform-specific
// implementation (CoreBluetooth, BlueZ/gatt, Android's BluetoothLeScanner)
// satisfies this; the Engine only orchestrates restart/rate-limit policy.
type Scanner interface {
	// StartScan begins scanning. Filtered controls whether the host should
	// apply a service-UUID filter (true) or run unfiltered as the fallback
	// pass spec.md §4.5 calls for ("some stacks drop filtered results").
	StartScan(ctx context.Context, serviceUUIDs []uuid.UUID, filtered bool, results chan<- ScanResult) error
	StopScan() error
}

// Advertiser is the host OS's BLE peripheral-advertise capability.
type Advertiser interface {
	StartAdvertising(ctx context.Context, serviceUUID uuid.UUID) error
	StopAdvertising() error
}

// CentralLink is a connection established in the central role, after
// Connect but before it is necessarily usable.
type CentralLink interface {
	RequestMTU(ctx context.Context, mtu int) (negotiated int, err error)
	DiscoverCharacteristic(ctx context.Context) error
	EnableNotifications(ctx context.Context) error
	Write(ctx context.Context, data []byte) error
	ReadRSSI(ctx context.Context) (int16, error)
	Disconnect() error
}

// DisconnectEvent reports an asynchronous link teardown, carrying the
// host-observed status code (spec.md §4.5 "connection status 147").
type DisconnectEvent struct {
	Address    string
	StatusCode int
	Clean      bool
}

// CentralDriver connects to discovered peripherals and hands back both the
// link handle and the channels the Engine selects on for inbound
// notifications and disconnects.
type CentralDriver interface {
	Connect(ctx context.Context, address string) (link CentralLink, notifications <-chan []byte, disconnects <-chan DisconnectEvent, err error)
}

// PeripheralWrite is one inbound GATT write delivered to our characteristic.
type PeripheralWrite struct {
	Address string
	Data    []byte
}

// SubscriptionEvent reports a central subscribing/unsubscribing to our
// notify characteristic.
type SubscriptionEvent struct {
	Address   string
	Subscribed bool
}

// PeripheralDriver serves our GATT service: one writable+notifiable
// characteristic under the current service UUID (spec.md §6).
type PeripheralDriver interface {
	Serve(ctx context.Context, serviceUUID uuid.UUID) (writes <-chan PeripheralWrite, subs <-chan SubscriptionEvent, err error)
	Notify(address string, data []byte) error
	Stop() error
}
