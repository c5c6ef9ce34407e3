package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/blecentral/internal/device"
)

// Native operation names used by FakeNative for failures, gates and the call log.
const (
	OpStart      = "start"
	OpScan       = "scan"
	OpStopScan   = "stop_scan"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpEnumerate  = "enumerate"
	OpReadRSSI   = "read_rssi"
	OpRead       = "read"
	OpWrite      = "write"
	OpSetNotify  = "set_notify"
	OpRequestMTU = "request_mtu"
	OpEnable     = "enable_radio"
	OpRefresh    = "refresh_cache"
)

// Call is one recorded native invocation.
type Call struct {
	Op      string
	Ref     device.AttributeRef
	Data    []byte
	Ack     bool
	Enabled bool
	Time    time.Time
}

type fakePeripheral struct {
	profile   *device.Profile
	values    map[device.AttributeRef][]byte
	rssi      int
	connected bool
}

// FakeNative is a scriptable in-memory device.Native. It serves registered
// peripherals, records every call, injects failures per operation, holds calls
// at gates, and counts concurrent in-flight calls per peripheral.
type FakeNative struct {
	mu          sync.Mutex
	events      chan device.Event
	radio       device.RadioState
	caps        device.CapabilitySet
	maxMTU      int
	scanning    bool
	scanReq     device.ScanRequest
	peripherals map[device.PeripheralID]*fakePeripheral
	failures    map[string]error
	gates       map[string]chan struct{}
	inflight    map[device.PeripheralID]int
	maxInflight map[device.PeripheralID]int
	calls       []Call
}

var (
	_ device.Native         = (*FakeNative)(nil)
	_ device.MTUNegotiator  = (*FakeNative)(nil)
	_ device.RadioEnabler   = (*FakeNative)(nil)
	_ device.CacheRefresher = (*FakeNative)(nil)
)

// NewFakeNative returns a powered-on stack with every optional connection
// capability. It does not filter scans by service.
func NewFakeNative() *FakeNative {
	return &FakeNative{
		events: make(chan device.Event, 1024),
		radio:  device.RadioOn,
		caps: device.CapabilitySet{
			device.CapRequestMTU:   true,
			device.CapEnableRadio:  true,
			device.CapRefreshCache: true,
		},
		maxMTU:      247,
		peripherals: make(map[device.PeripheralID]*fakePeripheral),
		failures:    make(map[string]error),
		gates:       make(map[string]chan struct{}),
		inflight:    make(map[device.PeripheralID]int),
		maxInflight: make(map[device.PeripheralID]int),
	}
}

// WithPeripheral registers a connectable peripheral serving the profile.
func (f *FakeNative) WithPeripheral(id device.PeripheralID, b *ProfileBuilder) *FakeNative {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := make(map[device.AttributeRef][]byte)
	for ref, v := range b.Values() {
		ref.Peripheral = id
		values[ref] = v
	}
	f.peripherals[id] = &fakePeripheral{profile: b.Build(), values: values, rssi: b.rssi}
	return f
}

// WithCapabilities replaces the advertised capability set.
func (f *FakeNative) WithCapabilities(caps ...device.Capability) *FakeNative {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps = device.CapabilitySet{}
	for _, c := range caps {
		f.caps[c] = true
	}
	return f
}

// WithRadio sets the initial radio state without emitting an event.
func (f *FakeNative) WithRadio(state device.RadioState) *FakeNative {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radio = state
	return f
}

// Fail makes every later call of op fail with err. A nil err clears it.
func (f *FakeNative) Fail(op string, err error) {
	f.FailAttribute(op, device.AttributeRef{}, err)
}

// FailAttribute makes op fail with err for one attribute only.
func (f *FakeNative) FailAttribute(op string, ref device.AttributeRef, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := failureKey(op, ref)
	if err == nil {
		delete(f.failures, key)
		return
	}
	f.failures[key] = err
}

// Block holds every call of op until the returned release function is
// called or the caller's context ends.
func (f *FakeNative) Block(op string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[op] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gates[op] == gate {
				delete(f.gates, op)
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns the recorded calls, optionally filtered by op.
func (f *FakeNative) Calls(ops ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(ops) == 0 {
		return append([]Call(nil), f.calls...)
	}
	var out []Call
	for _, c := range f.calls {
		for _, op := range ops {
			if c.Op == op {
				out = append(out, c)
			}
		}
	}
	return out
}

// MaxInFlight is the highest number of concurrent calls observed for id.
func (f *FakeNative) MaxInFlight(id device.PeripheralID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight[id]
}

// InFlight is the number of calls currently executing for id.
func (f *FakeNative) InFlight(id device.PeripheralID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[id]
}

// Value returns the stored value of an attribute.
func (f *FakeNative) Value(ref device.AttributeRef) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.peripherals[ref.Peripheral]; ok {
		return append([]byte(nil), p.values[ref]...)
	}
	return nil
}

// IsConnected reports whether the fake link to id is up.
func (f *FakeNative) IsConnected(id device.PeripheralID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.peripherals[id]
	return ok && p.connected
}

// IsScanning reports whether a scan is running and the request it started with.
func (f *FakeNative) IsScanning() (bool, device.ScanRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning, f.scanReq
}

// Discover emits a discovery event.
func (f *FakeNative) Discover(s device.Sighting) {
	s.Advertisement = s.Advertisement.Clone()
	f.emit(device.Event{Kind: device.EventDiscover, Peripheral: s.ID, Sighting: &s})
}

// EndScan stops the scan as if the host had ended it on its own.
func (f *FakeNative) EndScan() {
	f.mu.Lock()
	f.scanning = false
	f.mu.Unlock()
	f.emit(device.Event{Kind: device.EventScanStopped, Reason: "native"})
}

// DropLink simulates a link loss initiated by the peripheral or the host.
func (f *FakeNative) DropLink(id device.PeripheralID, reason string) {
	f.mu.Lock()
	if p, ok := f.peripherals[id]; ok {
		p.connected = false
	}
	f.mu.Unlock()
	f.emit(device.Event{Kind: device.EventDisconnect, Peripheral: id, Reason: reason})
}

// SetRadio changes the radio state and emits the change.
func (f *FakeNative) SetRadio(state device.RadioState) {
	f.mu.Lock()
	f.radio = state
	if state != device.RadioOn {
		f.scanning = false
		for _, p := range f.peripherals {
			p.connected = false
		}
	}
	f.mu.Unlock()
	f.emit(device.Event{Kind: device.EventRadioState, Radio: state})
}

// Notify emits a characteristic value update, subscribed or not.
func (f *FakeNative) Notify(id device.PeripheralID, service, characteristic string, data []byte) {
	f.emit(device.Event{
		Kind:       device.EventNotification,
		Peripheral: id,
		Notification: &device.NotificationData{
			Service:        device.NormalizeUUID(service),
			Characteristic: device.NormalizeUUID(characteristic),
			Data:           append([]byte(nil), data...),
		},
	})
}

func (f *FakeNative) emit(ev device.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	f.events <- ev
}

func failureKey(op string, ref device.AttributeRef) string {
	if ref == (device.AttributeRef{}) {
		return op
	}
	return op + "|" + ref.String()
}

// enter records the call, waits at the op gate and returns the injected
// failure. Every enter must be paired with leave.
func (f *FakeNative) enter(ctx context.Context, c Call) error {
	f.mu.Lock()
	c.Time = time.Now()
	f.calls = append(f.calls, c)
	if id := c.Ref.Peripheral; id != "" {
		f.inflight[id]++
		if f.inflight[id] > f.maxInflight[id] {
			f.maxInflight[id] = f.inflight[id]
		}
	}
	gate := f.gates[c.Op]
	err, ok := f.failures[failureKey(c.Op, c.Ref)]
	if !ok {
		err = f.failures[c.Op]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *FakeNative) leave(id device.PeripheralID) {
	if id == "" {
		return
	}
	f.mu.Lock()
	f.inflight[id]--
	f.mu.Unlock()
}

func (f *FakeNative) peripheral(op string, id device.PeripheralID) (*fakePeripheral, error) {
	p, ok := f.peripherals[id]
	if !ok {
		return nil, &device.NativeError{Op: op, Code: "unreachable"}
	}
	return p, nil
}

func (f *FakeNative) linked(op string, id device.PeripheralID) (*fakePeripheral, error) {
	p, err := f.peripheral(op, id)
	if err != nil {
		return nil, err
	}
	if !p.connected {
		return nil, &device.NativeError{Op: op, Code: "disconnected"}
	}
	return p, nil
}

func (f *FakeNative) Start(ctx context.Context) error {
	return f.enter(ctx, Call{Op: OpStart})
}

func (f *FakeNative) RadioState() device.RadioState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.radio
}

func (f *FakeNative) Scan(ctx context.Context, req device.ScanRequest) error {
	if err := f.enter(ctx, Call{Op: OpScan}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.radio != device.RadioOn {
		return &device.RadioError{State: f.radio}
	}
	f.scanning = true
	f.scanReq = req
	return nil
}

func (f *FakeNative) StopScan() error {
	if err := f.enter(context.Background(), Call{Op: OpStopScan}); err != nil {
		return err
	}
	f.mu.Lock()
	f.scanning = false
	f.mu.Unlock()
	return nil
}

func (f *FakeNative) Connect(ctx context.Context, id device.PeripheralID) error {
	ref := device.AttributeRef{Peripheral: id}
	defer f.leave(id)
	if err := f.enter(ctx, Call{Op: OpConnect, Ref: ref}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.peripheral("connect", id)
	if err != nil {
		return err
	}
	p.connected = true
	return nil
}

func (f *FakeNative) Disconnect(ctx context.Context, id device.PeripheralID) error {
	ref := device.AttributeRef{Peripheral: id}
	defer f.leave(id)
	if err := f.enter(ctx, Call{Op: OpDisconnect, Ref: ref}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.peripherals[id]; ok {
		p.connected = false
	}
	return nil
}

func (f *FakeNative) Enumerate(ctx context.Context, id device.PeripheralID) (*device.Profile, error) {
	defer f.leave(id)
	if err := f.enter(ctx, Call{Op: OpEnumerate, Ref: device.AttributeRef{Peripheral: id}}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.linked("enumerate", id)
	if err != nil {
		return nil, err
	}
	return cloneProfile(p.profile), nil
}

func (f *FakeNative) ReadRSSI(ctx context.Context, id device.PeripheralID) (int, error) {
	defer f.leave(id)
	if err := f.enter(ctx, Call{Op: OpReadRSSI, Ref: device.AttributeRef{Peripheral: id}}); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.linked("read_rssi", id)
	if err != nil {
		return 0, err
	}
	return p.rssi, nil
}

func (f *FakeNative) ReadAttribute(ctx context.Context, ref device.AttributeRef) ([]byte, error) {
	defer f.leave(ref.Peripheral)
	if err := f.enter(ctx, Call{Op: OpRead, Ref: ref}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.linked("read", ref.Peripheral)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, p.values[ref]...), nil
}

func (f *FakeNative) WriteAttribute(ctx context.Context, ref device.AttributeRef, data []byte, acknowledged bool) error {
	defer f.leave(ref.Peripheral)
	chunk := append([]byte(nil), data...)
	if err := f.enter(ctx, Call{Op: OpWrite, Ref: ref, Data: chunk, Ack: acknowledged}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.linked("write", ref.Peripheral)
	if err != nil {
		return err
	}
	p.values[ref] = chunk
	return nil
}

func (f *FakeNative) SetNotify(ctx context.Context, id device.PeripheralID, service, characteristic string, enabled bool) error {
	defer f.leave(id)
	ref := device.AttributeRef{Peripheral: id, Service: service, Characteristic: characteristic}
	if err := f.enter(ctx, Call{Op: OpSetNotify, Ref: ref, Enabled: enabled}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.linked("set_notify", id)
	return err
}

func (f *FakeNative) RequestMTU(ctx context.Context, id device.PeripheralID, mtu int) (int, error) {
	defer f.leave(id)
	if err := f.enter(ctx, Call{Op: OpRequestMTU, Ref: device.AttributeRef{Peripheral: id}}); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.linked("request_mtu", id); err != nil {
		return 0, err
	}
	return min(mtu, f.maxMTU), nil
}

func (f *FakeNative) EnableRadio(ctx context.Context) error {
	if err := f.enter(ctx, Call{Op: OpEnable}); err != nil {
		return err
	}
	f.SetRadio(device.RadioOn)
	return nil
}

func (f *FakeNative) RefreshCache(ctx context.Context, id device.PeripheralID) error {
	defer f.leave(id)
	return f.enter(ctx, Call{Op: OpRefresh, Ref: device.AttributeRef{Peripheral: id}})
}

func (f *FakeNative) Events() <-chan device.Event {
	return f.events
}

func (f *FakeNative) Capabilities() device.CapabilitySet {
	f.mu.Lock()
	defer f.mu.Unlock()
	caps := make(device.CapabilitySet, len(f.caps))
	for k, v := range f.caps {
		caps[k] = v
	}
	return caps
}

func cloneProfile(p *device.Profile) *device.Profile {
	out := &device.Profile{}
	for _, s := range p.Services {
		cs := device.ProfileService{UUID: s.UUID}
		for _, c := range s.Characteristics {
			cc := c
			cc.Descriptors = append([]string(nil), c.Descriptors...)
			cs.Characteristics = append(cs.Characteristics, cc)
		}
		out.Services = append(out.Services, cs)
	}
	return out
}
