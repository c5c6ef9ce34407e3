package goble

import (
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
)

// DefaultEventBuffer is the default capacity of the native event channel.
const DefaultEventBuffer = 256

// Adapter implements device.Native on top of a go-ble host device.
type Adapter struct {
	logger *logrus.Logger
	events chan device.Event
	links  *hashmap.Map[device.PeripheralID, *link]

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	dev   ble.Device
	radio device.RadioState
	scan  *scanRun
}

// scanRun is one running go-ble Scan call.
type scanRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// link is a live go-ble client connection.
type link struct {
	client ble.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	profile    *ble.Profile
	subscribed map[*ble.Characteristic]bool
}

var (
	_ device.Native         = (*Adapter)(nil)
	_ device.MTUNegotiator  = (*Adapter)(nil)
	_ device.CacheRefresher = (*Adapter)(nil)
)

// NewAdapter creates an adapter. The host device is created lazily by Start.
func NewAdapter(logger *logrus.Logger, eventBuffer int) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if eventBuffer <= 0 {
		eventBuffer = DefaultEventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		logger: logger,
		events: make(chan device.Event, eventBuffer),
		links:  hashmap.New[device.PeripheralID, *link](),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start creates the host device and reports the resulting radio state.
// It is a no-op once the device exists.
func (a *Adapter) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NormalizeError("start", err)
	}

	a.mu.Lock()
	if a.dev != nil {
		a.mu.Unlock()
		return nil
	}
	dev, err := DeviceFactory()
	state := RadioStateFromError(err)
	if err == nil {
		a.dev = dev
	}
	prev := a.radio
	a.radio = state
	a.mu.Unlock()

	if prev != state {
		a.emit(a.ctx, device.Event{Kind: device.EventRadioState, Radio: state})
	}

	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"radio": state,
			"error": err,
		}).Warn("Failed to create BLE device")
		return NormalizeError("start", err)
	}

	a.logger.Info("BLE device created")
	return nil
}

// RadioState returns the last known radio state.
func (a *Adapter) RadioState() device.RadioState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.radio
}

// Capabilities reports the optional primitives go-ble offers.
func (a *Adapter) Capabilities() device.CapabilitySet {
	return device.CapabilitySet{
		device.CapRequestMTU:   true,
		device.CapRefreshCache: true,
	}
}

// Events returns the native event channel.
func (a *Adapter) Events() <-chan device.Event {
	return a.events
}

// Scan starts a go-ble scan in the background. The scan runs until StopScan;
// ScanStopped is emitted only when the host ends the scan on its own.
func (a *Adapter) Scan(_ context.Context, req device.ScanRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev == nil {
		return &device.RadioError{State: a.radio}
	}
	if a.scan != nil {
		return device.ErrAlreadyScanning
	}

	scanCtx, cancel := context.WithCancel(a.ctx)
	run := &scanRun{cancel: cancel, done: make(chan struct{})}
	a.scan = run
	dev := a.dev

	a.logger.WithFields(logrus.Fields{
		"services":         req.ServiceUUIDs,
		"allow_duplicates": req.AllowDuplicates,
	}).Debug("Starting go-ble scan")

	groutine.Go(a.ctx, "ble-scan", func(context.Context) {
		err := dev.Scan(scanCtx, req.AllowDuplicates, func(adv ble.Advertisement) {
			s := newSighting(adv)
			a.emit(scanCtx, device.Event{Kind: device.EventDiscover, Peripheral: s.ID, Sighting: &s})
		})
		close(run.done)

		if scanCtx.Err() != nil {
			return
		}

		a.mu.Lock()
		if a.scan == run {
			a.scan = nil
		}
		a.mu.Unlock()
		cancel()

		a.logger.WithField("error", err).Warn("go-ble scan ended on its own")
		a.emit(a.ctx, device.Event{
			Kind:   device.EventScanStopped,
			Reason: "native",
			Err:    NormalizeError("scan", err),
		})
	})
	return nil
}

// StopScan cancels the running scan and waits for it to return.
func (a *Adapter) StopScan() error {
	a.mu.Lock()
	run := a.scan
	a.scan = nil
	a.mu.Unlock()

	if run == nil {
		return nil
	}
	run.cancel()
	<-run.done
	a.logger.Debug("go-ble scan stopped")
	return nil
}

// Connect dials the peripheral and starts monitoring the link.
func (a *Adapter) Connect(ctx context.Context, id device.PeripheralID) error {
	a.mu.Lock()
	dev := a.dev
	state := a.radio
	a.mu.Unlock()

	if dev == nil {
		return &device.RadioError{State: state}
	}
	if _, ok := a.links.Get(id); ok {
		return &device.NativeError{Op: "connect", Code: codeAlreadyConnected}
	}

	a.logger.WithField("address", id).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(string(id)))
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return NormalizeError("connect", err)
	}

	linkCtx, cancel := context.WithCancel(a.ctx)
	l := &link{
		client:     client,
		ctx:        linkCtx,
		cancel:     cancel,
		subscribed: make(map[*ble.Characteristic]bool),
	}
	a.links.Set(id, l)

	groutine.Go(a.ctx, "ble-connection-monitor", func(context.Context) {
		select {
		case <-client.Disconnected():
			// Only a link still registered was lost unexpectedly.
			if a.links.Del(id) {
				cancel()
				a.logger.WithField("address", id).Warn("CoreBluetooth reported disconnection")
				a.emit(a.ctx, device.Event{Kind: device.EventDisconnect, Peripheral: id, Reason: "link lost"})
			}
		case <-linkCtx.Done():
		}
	})

	a.logger.WithField("address", id).Info("BLE device connected")
	return nil
}

// Disconnect cancels the connection and waits for the host to confirm it.
func (a *Adapter) Disconnect(ctx context.Context, id device.PeripheralID) error {
	l, ok := a.links.Get(id)
	if !ok {
		return nil
	}
	a.links.Del(id)
	l.cancel()

	if err := l.client.CancelConnection(); err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
		return NormalizeError("disconnect", err)
	}

	select {
	case <-l.client.Disconnected():
	case <-ctx.Done():
		return NormalizeError("disconnect", ctx.Err())
	}
	a.logger.WithField("address", id).Info("BLE device disconnected")
	return nil
}

// Enumerate discovers the full GATT profile of a connected peripheral.
func (a *Adapter) Enumerate(ctx context.Context, id device.PeripheralID) (*device.Profile, error) {
	l, err := a.link(ctx, id, "enumerate")
	if err != nil {
		return nil, err
	}

	started := time.Now()
	p, err := l.client.DiscoverProfile(true)
	if err != nil {
		return nil, NormalizeError("enumerate", err)
	}

	l.mu.Lock()
	l.profile = p
	l.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"address":  id,
		"services": len(p.Services),
		"elapsed":  time.Since(started),
	}).Debug("Profile discovered successfully")
	return newProfile(p), nil
}

// ReadRSSI reads the signal strength of a connected peripheral.
func (a *Adapter) ReadRSSI(ctx context.Context, id device.PeripheralID) (int, error) {
	l, err := a.link(ctx, id, "read_rssi")
	if err != nil {
		return 0, err
	}
	return l.client.ReadRSSI(), nil
}

// ReadAttribute reads a characteristic or descriptor value.
func (a *Adapter) ReadAttribute(ctx context.Context, ref device.AttributeRef) ([]byte, error) {
	l, err := a.link(ctx, ref.Peripheral, "read")
	if err != nil {
		return nil, err
	}
	p := l.discovered()

	if ref.IsDescriptor() {
		d, err := findDescriptor(p, ref)
		if err != nil {
			return nil, err
		}
		data, err := l.client.ReadDescriptor(d)
		return data, NormalizeError("read_descriptor", err)
	}

	c, err := findCharacteristic(p, ref.Service, ref.Characteristic)
	if err != nil {
		return nil, err
	}
	data, err := l.client.ReadCharacteristic(c)
	return data, NormalizeError("read_characteristic", err)
}

// WriteAttribute writes a characteristic or descriptor value. Payload
// chunking is the caller's concern.
func (a *Adapter) WriteAttribute(ctx context.Context, ref device.AttributeRef, data []byte, acknowledged bool) error {
	l, err := a.link(ctx, ref.Peripheral, "write")
	if err != nil {
		return err
	}
	p := l.discovered()

	if ref.IsDescriptor() {
		d, err := findDescriptor(p, ref)
		if err != nil {
			return err
		}
		return NormalizeError("write_descriptor", l.client.WriteDescriptor(d, data))
	}

	c, err := findCharacteristic(p, ref.Service, ref.Characteristic)
	if err != nil {
		return err
	}
	return NormalizeError("write_characteristic", l.client.WriteCharacteristic(c, data, !acknowledged))
}

// SetNotify subscribes to or unsubscribes from characteristic value updates.
// Indications are used when the characteristic cannot notify.
func (a *Adapter) SetNotify(ctx context.Context, id device.PeripheralID, service, characteristic string, enabled bool) error {
	l, err := a.link(ctx, id, "set_notify")
	if err != nil {
		return err
	}
	c, err := findCharacteristic(l.discovered(), service, characteristic)
	if err != nil {
		return err
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0

	l.mu.Lock()
	defer l.mu.Unlock()

	if !enabled {
		if !l.subscribed[c] {
			return nil
		}
		delete(l.subscribed, c)
		return NormalizeError("unsubscribe", l.client.Unsubscribe(c, indicate))
	}

	if l.subscribed[c] {
		return nil
	}
	err = l.client.Subscribe(c, indicate, func(data []byte) {
		a.emit(l.ctx, device.Event{
			Kind:       device.EventNotification,
			Peripheral: id,
			Notification: &device.NotificationData{
				Service:        service,
				Characteristic: characteristic,
				Data:           append([]byte(nil), data...),
			},
		})
	})
	if err != nil {
		return NormalizeError("subscribe", err)
	}
	l.subscribed[c] = true

	a.logger.WithFields(logrus.Fields{
		"address":     id,
		"serviceUUID": service,
		"charUUID":    characteristic,
		"indicate":    indicate,
	}).Debug("Subscribed to characteristic notifications")
	return nil
}

// RequestMTU performs the ATT MTU exchange and returns the negotiated MTU.
func (a *Adapter) RequestMTU(ctx context.Context, id device.PeripheralID, mtu int) (int, error) {
	l, err := a.link(ctx, id, "request_mtu")
	if err != nil {
		return 0, err
	}
	negotiated, err := l.client.ExchangeMTU(mtu)
	if err != nil {
		return 0, NormalizeError("request_mtu", err)
	}
	return negotiated, nil
}

// RefreshCache rediscovers the profile of a connected peripheral. The new
// profile replaces the old one only when discovery succeeds; subscriptions
// carry over to the rediscovered characteristics.
func (a *Adapter) RefreshCache(ctx context.Context, id device.PeripheralID) error {
	l, err := a.link(ctx, id, "refresh_cache")
	if err != nil {
		return err
	}
	p, err := l.client.DiscoverProfile(true)
	if err != nil {
		return NormalizeError("refresh_cache", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	subscribed := make(map[*ble.Characteristic]bool, len(l.subscribed))
	for old := range l.subscribed {
		if c := rebind(l.profile, p, old); c != nil {
			subscribed[c] = true
		}
	}
	l.profile = p
	l.subscribed = subscribed

	a.logger.WithFields(logrus.Fields{
		"address":  id,
		"services": len(p.Services),
	}).Debug("Profile rediscovered")
	return nil
}

// Close stops scanning, drops every connection and releases the host device.
func (a *Adapter) Close() error {
	_ = a.StopScan()

	var ids []device.PeripheralID
	a.links.Range(func(id device.PeripheralID, _ *link) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if l, ok := a.links.Get(id); ok {
			a.links.Del(id)
			l.cancel()
			_ = l.client.CancelConnection()
		}
	}
	a.cancel()

	a.mu.Lock()
	dev := a.dev
	a.dev = nil
	a.mu.Unlock()
	if dev != nil {
		return NormalizeError("close", dev.Stop())
	}
	return nil
}

func (a *Adapter) link(ctx context.Context, id device.PeripheralID, op string) (*link, error) {
	if err := ctx.Err(); err != nil {
		return nil, NormalizeError(op, err)
	}
	l, ok := a.links.Get(id)
	if !ok {
		return nil, &device.NativeError{Op: op, Code: codeDisconnected}
	}
	return l, nil
}

func (l *link) discovered() *ble.Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile
}

// emit delivers an event unless ctx ends first.
func (a *Adapter) emit(ctx context.Context, ev device.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}
