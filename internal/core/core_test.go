package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gridmesh/meshcore/internal/ble"
)

// noopScanner/noopAdvertiser/noopCentralDriver/noopPeripheralDriver are
// inert stand-ins for the platform BLE stack: enough to let a Core start
// and stop cleanly with nothing nearby to discover, exercising the
// construction/wiring/persistence logic without a real radio.
type noopScanner struct{}

func (noopScanner) StartScan(ctx context.Context, serviceUUIDs []uuid.UUID, filtered bool, results chan<- ble.ScanResult) error {
	return nil
}
func (noopScanner) StopScan() error { return nil }

type noopAdvertiser struct{}

func (noopAdvertiser) StartAdvertising(ctx context.Context, serviceUUID uuid.UUID) error { return nil }
func (noopAdvertiser) StopAdvertising() error                                           { return nil }

type noopCentralDriver struct{}

func (noopCentralDriver) Connect(ctx context.Context, address string) (ble.CentralLink, <-chan []byte, <-chan ble.DisconnectEvent, error) {
	return nil, nil, nil, context.Canceled
}

type noopPeripheralDriver struct{}

func (noopPeripheralDriver) Serve(ctx context.Context, serviceUUID uuid.UUID) (<-chan ble.PeripheralWrite, <-chan ble.SubscriptionEvent, error) {
	writes := make(chan ble.PeripheralWrite)
	subs := make(chan ble.SubscriptionEvent)
	return writes, subs, nil
}
func (noopPeripheralDriver) Notify(address string, data []byte) error { return nil }
func (noopPeripheralDriver) Stop() error                              { return nil }

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		StoreDir:         filepath.Join(dir, "db"),
		MasterKeyPath:    filepath.Join(dir, "master.key"),
		Nickname:         "alice",
		RotationEnabled:  false,
		PowerProfile:     ble.ProfileBalanced,
		Scanner:          noopScanner{},
		Advertiser:       noopAdvertiser{},
		CentralDriver:    noopCentralDriver{},
		PeripheralDriver: noopPeripheralDriver{},
	}
}

func TestNew_ConstructsAndPersistsIdentity(t *testing.T) {
	cfg := testConfig(t)

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fp1 := c.Fingerprint()
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening the same store must reload the same identity rather than
	// minting a fresh one.
	c2, err := New(cfg)
	if err != nil {
		t.Fatalf("New (second open): %v", err)
	}
	if c2.Fingerprint() != fp1 {
		t.Fatal("identity did not survive reopening the store")
	}
}

func TestCore_StartStop(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	c.Stop()

	select {
	case err := <-waitChan(c):
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for background tasks to stop")
	}
}

func waitChan(c *Core) <-chan error {
	out := make(chan error, 1)
	go func() { out <- c.Wait() }()
	return out
}

func TestCore_SetNicknamePersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.Nickname = ""

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start(context.Background())
	defer c.Stop()

	if err := c.SetNickname("bob"); err != nil {
		t.Fatalf("SetNickname: %v", err)
	}

	settings, err := c.store.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if settings.Nickname != "bob" {
		t.Fatalf("expected persisted nickname bob, got %q", settings.Nickname)
	}
}

func TestCore_PanicWipeDestroysState(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fp := c.Fingerprint()

	if err := c.PanicWipe(); err != nil {
		t.Fatalf("PanicWipe: %v", err)
	}

	c2, err := New(cfg)
	if err != nil {
		t.Fatalf("New after wipe: %v", err)
	}
	if c2.Fingerprint() == fp {
		t.Fatal("expected a fresh identity after panic wipe")
	}
}
