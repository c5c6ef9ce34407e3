// Package central is the BLE central session manager. It owns the native
// stack, drains its event channel on a single dispatcher goroutine and routes
// every event to the radio monitor, the scan session and the connections
// before it reaches EventBus subscribers.
package central

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/eventbus"
	"github.com/srg/blecentral/internal/gatt"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/store"
	"github.com/srg/blecentral/pkg/connection"
	"github.com/srg/blecentral/scanner"
)

// Options configures a Manager.
type Options struct {
	Connection connection.Options
	// Permissions defaults to device.GrantedPermissions.
	Permissions device.PermissionGate
	// Cache, when set, receives discovered peripherals and enumerated catalogs.
	Cache  *store.Store
	Logger *logrus.Logger
}

// Manager is the session facade.
type Manager struct {
	native device.Native
	gate   device.PermissionGate
	cache  *store.Store
	logger *logrus.Logger

	bus   *eventbus.Bus
	radio *radio.Monitor
	scan  *scanner.Session
	conns *connection.Manager

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    <-chan struct{}
	subs    []*eventbus.Subscription
}

// New wires a manager around the native stack. Nothing touches the hardware
// before Start.
func New(native device.Native, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	gate := opts.Permissions
	if gate == nil {
		gate = device.GrantedPermissions{}
	}

	m := &Manager{
		native: native,
		gate:   gate,
		cache:  opts.Cache,
		logger: logger,
		bus:    eventbus.New(logger),
		radio:  radio.NewMonitor(device.RadioUnknown, logger),
	}
	m.scan = scanner.NewSession(native, m.bus, m.radio, logger)
	m.conns = connection.NewManager(native, m.bus, m.radio, opts.Connection, logger)

	// observers run in registration order: state machines first, subscribers last
	m.radio.OnStateChange(m.scan.HandleRadioChange)
	m.radio.OnStateChange(m.conns.HandleRadioChange)
	m.radio.OnStateChange(func(_, next device.RadioState) {
		m.bus.Publish(device.Event{Kind: device.EventRadioState, Radio: next})
	})
	return m
}

// Start checks permissions, starts the native stack and the dispatcher.
// Calling Start again after success is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &device.StateError{Op: "start", State: device.Disconnected}
	}
	if m.started {
		return nil
	}
	if !m.gate.HasRequiredPermissions() {
		return fmt.Errorf("%w: bluetooth access not granted", device.ErrPermissionDenied)
	}

	if err := m.native.Start(ctx); err != nil {
		return device.WrapNative("start", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.started = true
	m.radio.Update(m.native.RadioState())
	if m.cache != nil {
		m.subscribeCache()
	}
	m.done = groutine.Start(runCtx, "ble-dispatcher", m.dispatch)

	m.logger.WithField("radio", m.radio.Current()).Info("BLE central started")
	return nil
}

func (m *Manager) dispatch(ctx context.Context) {
	events := m.native.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Warn("Native event channel closed")
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev device.Event) {
	switch ev.Kind {
	case device.EventRadioState:
		m.radio.Update(ev.Radio)
	case device.EventDiscover:
		if ev.Sighting != nil {
			m.scan.HandleDiscovery(*ev.Sighting)
		}
	case device.EventScanStopped:
		m.scan.HandleScanStopped(ev.Err)
	case device.EventDisconnect, device.EventNotification:
		m.conns.HandleEvent(ev)
	default:
		m.logger.WithFields(logrus.Fields{
			"kind":       ev.Kind,
			"peripheral": ev.Peripheral,
		}).Debug("Ignoring native event")
	}
}

func (m *Manager) subscribeCache() {
	m.subs = append(m.subs,
		m.bus.Subscribe(device.EventDiscover, func(ev device.Event) {
			if ev.Discovered == nil {
				return
			}
			if err := m.cache.SavePeripheral(context.Background(), *ev.Discovered); err != nil {
				m.logger.WithError(err).Warn("Failed to cache peripheral")
			}
		}),
		m.bus.Subscribe(device.EventConnectionState, func(ev device.Event) {
			if ev.State != device.Ready {
				return
			}
			if err := m.SaveCatalog(context.Background(), ev.Peripheral); err != nil {
				m.logger.WithError(err).Warn("Failed to cache catalog")
			}
		}),
	)
}

// Close stops the scan, disconnects every peripheral (bounded by ctx), stops
// the dispatcher and releases every subscription.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	_ = m.scan.Stop()
	m.conns.Close(ctx)
	if cancel != nil {
		cancel()
		<-done
	}
	for _, s := range subs {
		s.Release()
	}
	m.bus.Close()
	m.logger.Info("BLE central stopped")
	return nil
}

// Subscribe registers a handler for one event kind.
func (m *Manager) Subscribe(kind device.EventKind, h eventbus.Handler) *eventbus.Subscription {
	return m.bus.Subscribe(kind, h)
}

// SubscribeAll registers a handler for every event.
func (m *Manager) SubscribeAll(h eventbus.Handler) *eventbus.Subscription {
	return m.bus.SubscribeAll(h)
}

// RadioState returns the last reported radio state.
func (m *Manager) RadioState() device.RadioState {
	return m.radio.Current()
}

// OnRadioStateChange registers an observer of radio transitions.
func (m *Manager) OnRadioStateChange(fn radio.Observer) (release func()) {
	return m.radio.OnStateChange(fn)
}

// RequestPermissions asks the platform for Bluetooth access. It is the only
// path that may prompt the user.
func (m *Manager) RequestPermissions() bool {
	return m.gate.RequestPermissions()
}

// EnableRadio asks the native stack to power the radio on.
func (m *Manager) EnableRadio(ctx context.Context) error {
	enabler, ok := m.native.(device.RadioEnabler)
	if !ok || !m.native.Capabilities().Has(device.CapEnableRadio) {
		return fmt.Errorf("%w: radio enable", device.ErrUnsupported)
	}
	return device.WrapNative("enable_radio", enabler.EnableRadio(ctx))
}

// Scan starts a discovery pass.
func (m *Manager) Scan(ctx context.Context, opts scanner.ScanOptions) error {
	if !m.gate.HasRequiredPermissions() {
		return fmt.Errorf("%w: bluetooth scan not granted", device.ErrPermissionDenied)
	}
	return m.scan.Start(ctx, opts)
}

// StopScan ends the current discovery pass.
func (m *Manager) StopScan() error {
	return m.scan.Stop()
}

// WaitScan blocks until the current discovery pass ends or ctx is done.
func (m *Manager) WaitScan(ctx context.Context) error {
	return m.scan.Wait(ctx)
}

// IsScanning reports whether a discovery pass is running.
func (m *Manager) IsScanning() bool {
	return m.scan.IsActive()
}

// DiscoveredPeripherals returns the peripherals of the current or last pass,
// strongest signal first.
func (m *Manager) DiscoveredPeripherals() []device.Peripheral {
	return m.scan.List()
}

// Connection returns the connection of a peripheral, creating it if needed.
func (m *Manager) Connection(id device.PeripheralID) *connection.Connection {
	return m.conns.Open(id)
}

// Connect opens the link to a peripheral and waits until its catalog is
// enumerated.
func (m *Manager) Connect(ctx context.Context, id device.PeripheralID) (*connection.Connection, *gatt.Catalog, error) {
	c := m.conns.Open(id)
	if _, err := c.Connect().Await(ctx); err != nil {
		return c, nil, err
	}
	catalog, err := c.Ready().Await(ctx)
	return c, catalog, err
}

// Disconnect tears the link to a peripheral down. Unknown peripherals are
// already disconnected.
func (m *Manager) Disconnect(ctx context.Context, id device.PeripheralID) error {
	c, ok := m.conns.Get(id)
	if !ok {
		return nil
	}
	_, err := c.Disconnect().Await(ctx)
	return err
}

// IsPeripheralConnected reports whether the link to the peripheral is up.
func (m *Manager) IsPeripheralConnected(id device.PeripheralID) bool {
	return m.conns.IsConnected(id)
}

// ConnectedPeripherals lists the peripherals that are not Disconnected. With
// service UUIDs given, only Ready peripherals exposing one of them are listed.
func (m *Manager) ConnectedPeripherals(serviceUUIDs ...string) []device.Peripheral {
	conns := m.conns.Connected(serviceUUIDs...)
	out := make([]device.Peripheral, 0, len(conns))
	for _, c := range conns {
		p, ok := m.scan.Discovered(c.ID())
		if !ok {
			p = device.Peripheral{ID: c.ID(), Name: device.UnnamedPeripheral}
		}
		p.State = c.State()
		out = append(out, p)
	}
	return out
}

// RemovePeripheral forgets a Disconnected peripheral, its cached entry
// included.
func (m *Manager) RemovePeripheral(ctx context.Context, id device.PeripheralID) error {
	if err := m.conns.Remove(id); err != nil {
		return err
	}
	if m.cache != nil {
		return m.cache.Remove(ctx, id)
	}
	return nil
}

// SaveCatalog writes the current catalog of a Ready peripheral to the cache.
func (m *Manager) SaveCatalog(ctx context.Context, id device.PeripheralID) error {
	if m.cache == nil {
		return nil
	}
	c, ok := m.conns.Get(id)
	if !ok {
		return &device.NotFoundError{Resource: "peripheral", UUIDs: []string{string(id)}}
	}
	catalog := c.Catalog()
	if catalog == nil {
		return &device.StateError{Op: "save_catalog", State: c.State()}
	}
	return m.cache.SaveCatalog(ctx, id, catalog)
}

// CachedCatalog returns the catalog cached for a peripheral.
func (m *Manager) CachedCatalog(ctx context.Context, id device.PeripheralID) (*gatt.Catalog, error) {
	if m.cache == nil {
		return nil, &device.NotFoundError{Resource: "catalog", UUIDs: []string{string(id)}}
	}
	return m.cache.Catalog(ctx, id)
}

// RefreshCache drops the cached catalog of a peripheral and, when the
// peripheral is Ready and the native stack keeps a GATT cache, that one too.
func (m *Manager) RefreshCache(ctx context.Context, id device.PeripheralID) error {
	if m.cache != nil {
		if err := m.cache.ClearCatalog(ctx, id); err != nil {
			return err
		}
	}
	c, ok := m.conns.Get(id)
	if !ok || c.State() != device.Ready || !m.native.Capabilities().Has(device.CapRefreshCache) {
		return nil
	}
	_, err := c.RefreshCache().Await(ctx)
	return err
}
