package ble

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gridmesh/meshcore/internal/conntrack"
	"github.com/gridmesh/meshcore/internal/identity"
)

// Engine runs the scanner, advertiser, and central/peripheral GATT state
// machines as named background tasks under one errgroup (spec.md §5), and
// delivers inbound data/events upward through the abstract RouterSink.
type Engine struct {
	tracker  *conntrack.Tracker
	identity *identity.Manager
	limits   Limits

	scanner          Scanner
	advertiser       Advertiser
	centralDriver    CentralDriver
	peripheralDriver PeripheralDriver

	sinkMu sync.RWMutex
	sink   RouterSink

	centralMu    sync.Mutex
	centralLinks map[string]CentralLink

	outboundMu sync.Mutex
	outbound   map[string]*outboundQueue

	lastScanStart time.Time
}

// NewEngine constructs an Engine bound to its driver set and the connection
// tracker / identity manager it coordinates with.
func NewEngine(tracker *conntrack.Tracker, idMgr *identity.Manager, limits Limits, scanner Scanner, advertiser Advertiser, centralDriver CentralDriver, peripheralDriver PeripheralDriver) *Engine {
	return &Engine{
		tracker:          tracker,
		identity:         idMgr,
		limits:           limits,
		scanner:          scanner,
		advertiser:       advertiser,
		centralDriver:    centralDriver,
		peripheralDriver: peripheralDriver,
		centralLinks:     make(map[string]CentralLink),
		outbound:         make(map[string]*outboundQueue),
	}
}

// SetSink registers the router as this engine's upward delegate. Called
// once at startup (spec.md §9), after which the engine never calls back
// into the router through anything but this narrow interface.
func (e *Engine) SetSink(sink RouterSink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sink = sink
}

func (e *Engine) emitFrame(address string, role conntrack.Role, frame []byte) {
	e.sinkMu.RLock()
	sink := e.sink
	e.sinkMu.RUnlock()
	if sink != nil {
		sink.OnInboundFrame(address, role, frame)
	}
}

func (e *Engine) emitPeerEvent(ev PeerEvent) {
	e.sinkMu.RLock()
	sink := e.sink
	e.sinkMu.RUnlock()
	if sink != nil {
		sink.OnPeerEvent(ev)
	}
}

// Run launches every background task under a shared cancellation context
// and blocks until one fails or ctx is cancelled (spec.md §5 "All
// background tasks observe a single stop signal").
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.scanLoop(gctx) })
	g.Go(func() error { return e.advertiseLoop(gctx) })
	g.Go(func() error { return e.peripheralLoop(gctx) })
	g.Go(func() error { return e.rssiPollLoop(gctx) })

	return g.Wait()
}

// scanLoop implements spec.md §4.5 "Scanner": continuous scanning with
// forced restart every ScanRestartEvery and a minimum gap between starts.
func (e *Engine) scanLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		since := time.Since(e.lastScanStart)
		if since < MinScanStartInterval {
			select {
			case <-time.After(MinScanStartInterval - since):
			case <-ctx.Done():
				return nil
			}
		}
		e.lastScanStart = time.Now()

		cycleCtx, cancel := context.WithTimeout(ctx, e.limits.ScanRestartEvery)
		e.runScanCycle(cycleCtx)
		cancel()
	}
}

func (e *Engine) runScanCycle(ctx context.Context) {
	results := make(chan ScanResult, 32)
	validUUIDs := e.identity.ValidServiceUUIDs(time.Now())

	if err := e.scanner.StartScan(ctx, validUUIDs, true, results); err != nil {
		log.Warn().Err(err).Msg("filtered scan start failed")
	}
	// Fallback unfiltered scan, since some stacks silently drop filtered
	// results (spec.md §4.5).
	if err := e.scanner.StartScan(ctx, nil, false, results); err != nil {
		log.Debug().Err(err).Msg("unfiltered fallback scan start failed")
	}
	defer e.scanner.StopScan()

	for {
		select {
		case res := <-results:
			e.handleScanResult(ctx, res)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleScanResult(ctx context.Context, res ScanResult) {
	e.tracker.RegisterScanResult(res.Address, res.RSSI)

	if res.RSSI < e.limits.RSSIThresholdDBM {
		return
	}
	if e.tracker.IsConnectedTo(res.Address) {
		return
	}
	now := time.Now()
	if !e.tracker.IsConnectAllowed(res.Address, now) {
		return
	}

	e.emitPeerEvent(PeerEvent{Kind: PeerDiscovered, Address: res.Address, Role: conntrack.RoleCentral})
	go e.connectCentral(ctx, res.Address)
}

// connectCentral drives the central-role GATT state machine (spec.md §4.5):
// connect → MTU=517 → discover → enable notifications. Only after CCCD
// acknowledgment is the link usable.
func (e *Engine) connectCentral(ctx context.Context, address string) {
	now := time.Now()
	e.tracker.BeginAttempt(address, now)

	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	link, notifications, disconnects, err := e.centralDriver.Connect(connectCtx, address)
	if err != nil {
		log.Debug().Err(err).Str("address", address).Msg("central connect failed")
		e.tracker.MarkDisconnected(address, conntrack.RoleCentral, time.Now())
		e.emitPeerEvent(PeerEvent{Kind: PeerConnectFailed, Address: address, Role: conntrack.RoleCentral})
		return
	}

	mtu, err := link.RequestMTU(connectCtx, TargetMTU)
	if err != nil {
		mtu = MinimumMTU
		log.Debug().Err(err).Str("address", address).Msg("mtu negotiation failed, falling back to minimum")
	}

	if err := link.DiscoverCharacteristic(connectCtx); err != nil {
		log.Debug().Err(err).Str("address", address).Msg("service discovery failed")
		link.Disconnect()
		e.tracker.MarkDisconnected(address, conntrack.RoleCentral, time.Now())
		e.emitPeerEvent(PeerEvent{Kind: PeerConnectFailed, Address: address, Role: conntrack.RoleCentral})
		return
	}

	e.tracker.MarkConnected(address, conntrack.RoleCentral, mtu, time.Now())
	e.emitPeerEvent(PeerEvent{Kind: PeerConnected, Address: address, Role: conntrack.RoleCentral})

	if err := link.EnableNotifications(connectCtx); err != nil {
		log.Debug().Err(err).Str("address", address).Msg("subscribe failed, disconnecting")
		link.Disconnect()
		e.tracker.MarkDisconnected(address, conntrack.RoleCentral, time.Now())
		e.emitPeerEvent(PeerEvent{Kind: PeerSubscribeFailed, Address: address, Role: conntrack.RoleCentral})
		return
	}

	e.tracker.MarkSubscribed(address, conntrack.RoleCentral, 0)
	e.emitPeerEvent(PeerEvent{Kind: PeerSubscribed, Address: address, Role: conntrack.RoleCentral})

	e.centralMu.Lock()
	e.centralLinks[address] = link
	e.centralMu.Unlock()

	go e.drainNotifications(address, notifications)
	go e.drainDisconnects(address, disconnects)
	go e.drainOutbound(ctx, address, conntrack.RoleCentral, link)
}

func (e *Engine) drainNotifications(address string, notifications <-chan []byte) {
	for frame := range notifications {
		e.emitFrame(address, conntrack.RoleCentral, frame)
	}
}

// drainDisconnects implements spec.md §4.5's failure policy: status 147
// triggers immediate cleanup, a clean disconnect waits DisconnectDrainDelay
// to let pending operations drain.
func (e *Engine) drainDisconnects(address string, disconnects <-chan DisconnectEvent) {
	ev, ok := <-disconnects
	if !ok {
		return
	}
	if !ev.Clean && ev.StatusCode == AndroidConnectionFailedStatus {
		e.cleanupCentral(address)
		return
	}
	time.AfterFunc(DisconnectDrainDelay, func() { e.cleanupCentral(address) })
}

func (e *Engine) cleanupCentral(address string) {
	e.tracker.MarkDisconnected(address, conntrack.RoleCentral, time.Now())
	e.emitPeerEvent(PeerEvent{Kind: PeerDisconnected, Address: address, Role: conntrack.RoleCentral})

	e.centralMu.Lock()
	delete(e.centralLinks, address)
	e.centralMu.Unlock()
}

// advertiseLoop implements spec.md §4.5 "Advertiser": broadcast the current
// service UUID, restarted periodically to work around stacks that stall.
func (e *Engine) advertiseLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, serviceUUID := e.identity.Current(time.Now())

		cycleCtx, cancel := context.WithTimeout(ctx, e.limits.AdvertiseRestartEvery)
		if err := e.advertiser.StartAdvertising(cycleCtx, serviceUUID); err != nil {
			log.Warn().Err(err).Msg("advertise start failed")
		}
		<-cycleCtx.Done()
		e.advertiser.StopAdvertising()
		cancel()

		if ctx.Err() != nil {
			return nil
		}
	}
}

// peripheralLoop implements spec.md §4.5 "Peripheral-role GATT": serves the
// writable+notifiable characteristic and hands writes/subscriptions upward.
func (e *Engine) peripheralLoop(ctx context.Context) error {
	_, serviceUUID := e.identity.Current(time.Now())
	writes, subs, err := e.peripheralDriver.Serve(ctx, serviceUUID)
	if err != nil {
		return err
	}

	for {
		select {
		case w := <-writes:
			now := time.Now()
			if _, ok := e.tracker.Get(w.Address, conntrack.RolePeripheral); !ok {
				e.tracker.MarkConnected(w.Address, conntrack.RolePeripheral, TargetMTU, now)
			}
			e.emitFrame(w.Address, conntrack.RolePeripheral, w.Data)

		case sub := <-subs:
			if sub.Subscribed {
				now := time.Now()
				e.tracker.MarkConnected(sub.Address, conntrack.RolePeripheral, TargetMTU, now)
				e.tracker.MarkSubscribed(sub.Address, conntrack.RolePeripheral, 0)
				e.emitPeerEvent(PeerEvent{Kind: PeerSubscribed, Address: sub.Address, Role: conntrack.RolePeripheral})
				go e.drainOutbound(ctx, sub.Address, conntrack.RolePeripheral, nil)
			} else {
				e.tracker.MarkDisconnected(sub.Address, conntrack.RolePeripheral, time.Now())
				e.emitPeerEvent(PeerEvent{Kind: PeerDisconnected, Address: sub.Address, Role: conntrack.RolePeripheral})
			}

		case <-ctx.Done():
			e.peripheralDriver.Stop()
			return nil
		}
	}
}

// rssiPollLoop issues an RSSI refresh to every central-role link
// periodically to maintain link-quality estimates (spec.md §4.5).
// Peripheral-role links are not polled.
func (e *Engine) rssiPollLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.limits.RSSIPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.centralMu.Lock()
			links := make(map[string]CentralLink, len(e.centralLinks))
			for addr, l := range e.centralLinks {
				links[addr] = l
			}
			e.centralMu.Unlock()

			for addr, link := range links {
				readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				rssi, err := link.ReadRSSI(readCtx)
				cancel()
				if err == nil {
					e.tracker.RegisterScanResult(addr, rssi)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Send enqueues data for address/role, delivering it through whichever
// transport role is active. Overflow drops the oldest queued frame
// (spec.md §9 bounded per-link queues).
func (e *Engine) Send(address string, role conntrack.Role, data []byte) {
	key := address + "/" + role.String()
	e.outboundMu.Lock()
	q, ok := e.outbound[key]
	if !ok {
		q = newOutboundQueue()
		e.outbound[key] = q
	}
	e.outboundMu.Unlock()
	q.Push(data)
}

// drainOutbound pumps one link's queue until the link's context is done.
// For a central link, frames are written via GATT write; for a peripheral
// link (centralLink == nil), frames go out as notifications to that
// subscribed central.
func (e *Engine) drainOutbound(ctx context.Context, address string, role conntrack.Role, link CentralLink) {
	key := address + "/" + role.String()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.outboundMu.Lock()
			q, ok := e.outbound[key]
			e.outboundMu.Unlock()
			if !ok {
				continue
			}
			for {
				data, ok := q.Pop()
				if !ok {
					break
				}
				if role == conntrack.RoleCentral && link != nil {
					writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
					if err := link.Write(writeCtx, data); err != nil {
						log.Debug().Err(err).Str("address", address).Msg("gatt write failed")
					}
					cancel()
				} else {
					if err := e.peripheralDriver.Notify(address, data); err != nil {
						log.Debug().Err(err).Str("address", address).Msg("notify failed")
					}
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// BestLinks exposes the connection tracker's usable link set, letting the
// router pick destinations without reaching into conntrack directly.
func (e *Engine) BestLinks() []conntrack.Link {
	return e.tracker.BestLinks()
}
