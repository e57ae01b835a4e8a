package ble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gridmesh/meshcore/internal/conntrack"
	"github.com/gridmesh/meshcore/internal/identity"
)

type fakeScanner struct {
	mu      sync.Mutex
	started bool
	results []ScanResult
	out     chan<- ScanResult
}

func (f *fakeScanner) StartScan(ctx context.Context, serviceUUIDs []uuid.UUID, filtered bool, results chan<- ScanResult) error {
	f.mu.Lock()
	f.started = true
	f.out = results
	pending := f.results
	f.results = nil
	f.mu.Unlock()
	for _, r := range pending {
		results <- r
	}
	return nil
}

func (f *fakeScanner) StopScan() error { return nil }

type fakeAdvertiser struct{}

func (fakeAdvertiser) StartAdvertising(ctx context.Context, serviceUUID uuid.UUID) error { return nil }
func (fakeAdvertiser) StopAdvertising() error                                           { return nil }

type fakeCentralLink struct {
	writes chan []byte
}

func (f *fakeCentralLink) RequestMTU(ctx context.Context, mtu int) (int, error) { return mtu, nil }
func (f *fakeCentralLink) DiscoverCharacteristic(ctx context.Context) error     { return nil }
func (f *fakeCentralLink) EnableNotifications(ctx context.Context) error       { return nil }
func (f *fakeCentralLink) Write(ctx context.Context, data []byte) error {
	f.writes <- data
	return nil
}
func (f *fakeCentralLink) ReadRSSI(ctx context.Context) (int16, error) { return -60, nil }
func (f *fakeCentralLink) Disconnect() error                          { return nil }

type fakeCentralDriver struct {
	link *fakeCentralLink
}

func (f *fakeCentralDriver) Connect(ctx context.Context, address string) (CentralLink, <-chan []byte, <-chan DisconnectEvent, error) {
	notifications := make(chan []byte, 4)
	disconnects := make(chan DisconnectEvent, 1)
	return f.link, notifications, disconnects, nil
}

type fakePeripheralDriver struct{}

func (fakePeripheralDriver) Serve(ctx context.Context, serviceUUID uuid.UUID) (<-chan PeripheralWrite, <-chan SubscriptionEvent, error) {
	writes := make(chan PeripheralWrite)
	subs := make(chan SubscriptionEvent)
	return writes, subs, nil
}
func (fakePeripheralDriver) Notify(address string, data []byte) error { return nil }
func (fakePeripheralDriver) Stop() error                              { return nil }

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	events []PeerEvent
}

func (s *recordingSink) OnInboundFrame(address string, role conntrack.Role, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordingSink) OnPeerEvent(event PeerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestManager(t *testing.T) *identity.Manager {
	t.Helper()
	cred, _, _, err := identity.NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	return identity.NewManager(cred, false, identity.DefaultRotationSecret)
}

func TestEngine_ScanResultTriggersConnectAndSubscribe(t *testing.T) {
	tracker := conntrack.New(5)
	idMgr := newTestManager(t)
	link := &fakeCentralLink{writes: make(chan []byte, 4)}
	central := &fakeCentralDriver{link: link}
	scanner := &fakeScanner{results: []ScanResult{{Address: "aa:bb", RSSI: -50}}}

	limits := LimitsFor(ProfileBalanced)
	limits.ScanRestartEvery = 200 * time.Millisecond

	engine := NewEngine(tracker, idMgr, limits, scanner, fakeAdvertiser{}, central, fakePeripheralDriver{})
	sink := &recordingSink{}
	engine.SetSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = engine.scanLoop(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := tracker.Get("aa:bb", conntrack.RoleCentral); ok && rec.State == conntrack.StateSubscribed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected aa:bb to reach subscribed state")
}

func TestEngine_SendDrainsThroughCentralLink(t *testing.T) {
	tracker := conntrack.New(5)
	idMgr := newTestManager(t)
	link := &fakeCentralLink{writes: make(chan []byte, 4)}
	central := &fakeCentralDriver{link: link}

	limits := LimitsFor(ProfileBalanced)
	engine := NewEngine(tracker, idMgr, limits, &fakeScanner{}, fakeAdvertiser{}, central, fakePeripheralDriver{})

	tracker.BeginAttempt("cc:dd", time.Now())
	tracker.MarkConnected("cc:dd", conntrack.RoleCentral, TargetMTU, time.Now())
	tracker.MarkSubscribed("cc:dd", conntrack.RoleCentral, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.drainOutbound(ctx, "cc:dd", conntrack.RoleCentral, link)

	engine.Send("cc:dd", conntrack.RoleCentral, []byte("hello"))

	select {
	case got := <-link.writes:
		if string(got) != "hello" {
			t.Fatalf("got %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestEngine_DisconnectWithFailureStatusCleansUpImmediately(t *testing.T) {
	tracker := conntrack.New(5)
	idMgr := newTestManager(t)

	engine := NewEngine(tracker, idMgr, LimitsFor(ProfileBalanced), &fakeScanner{}, fakeAdvertiser{}, &fakeCentralDriver{}, fakePeripheralDriver{})

	tracker.BeginAttempt("ee:ff", time.Now())
	tracker.MarkConnected("ee:ff", conntrack.RoleCentral, TargetMTU, time.Now())

	disconnects := make(chan DisconnectEvent, 1)
	disconnects <- DisconnectEvent{Address: "ee:ff", StatusCode: AndroidConnectionFailedStatus, Clean: false}
	close(disconnects)

	engine.drainDisconnects("ee:ff", disconnects)

	rec, ok := tracker.Get("ee:ff", conntrack.RoleCentral)
	if !ok || rec.State != conntrack.StateDisconnected {
		t.Fatalf("expected immediate disconnected state, got %+v ok=%v", rec, ok)
	}
}
