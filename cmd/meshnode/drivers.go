package main

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/gridmesh/meshcore/internal/ble"
)

// errNoHardware is returned by every Connect call: with no scanner ever
// producing a result, nothing calls Connect in practice, but the error
// keeps the stub honest about what it can't do rather than hanging.
var errNoHardware = errors.New("meshnode: no BLE hardware binding configured")

// noBLEHardware is the BLE driver set this binary ships with: it never
// discovers or advertises anything. A real deployment replaces all four
// fields with a platform-specific binding (CoreBluetooth, BlueZ, Android's
// BluetoothLeScanner/GattServer) — none of which are in this module's
// dependency surface, so this package only wires the narrow Scanner/
// Advertiser/CentralDriver/PeripheralDriver interfaces internal/ble
// defines and leaves the concrete radio access as the integration point.
type noBLEHardware struct{}

func (noBLEHardware) StartScan(ctx context.Context, serviceUUIDs []uuid.UUID, filtered bool, results chan<- ble.ScanResult) error {
	return nil
}
func (noBLEHardware) StopScan() error { return nil }

func (noBLEHardware) StartAdvertising(ctx context.Context, serviceUUID uuid.UUID) error { return nil }
func (noBLEHardware) StopAdvertising() error                                           { return nil }

func (noBLEHardware) Connect(ctx context.Context, address string) (ble.CentralLink, <-chan []byte, <-chan ble.DisconnectEvent, error) {
	return nil, nil, nil, errNoHardware
}

func (noBLEHardware) Serve(ctx context.Context, serviceUUID uuid.UUID) (<-chan ble.PeripheralWrite, <-chan ble.SubscriptionEvent, error) {
	writes := make(chan ble.PeripheralWrite)
	subs := make(chan ble.SubscriptionEvent)
	return writes, subs, nil
}
func (noBLEHardware) Notify(address string, data []byte) error { return nil }
func (noBLEHardware) Stop() error                              { return nil }
