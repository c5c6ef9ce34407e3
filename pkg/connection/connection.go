package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/gatt"
	"github.com/srg/blecentral/internal/groutine"
)

// Publisher receives the session events a connection produces. Publish must
// not block and must not call back into the connection.
type Publisher interface {
	Publish(ev device.Event)
}

// RadioSource reports the current radio state.
type RadioSource interface {
	Current() device.RadioState
}

const (
	opConnect         = "connect"
	opEnumerate       = "enumerate"
	opDisconnect      = "disconnect"
	opReadRSSI        = "read_rssi"
	opRead            = "read"
	opWrite           = "write"
	opReadDescriptor  = "read_descriptor"
	opWriteDescriptor = "write_descriptor"
	opSetNotify       = "set_notify"
	opRequestMTU      = "request_mtu"
	opRefreshCache    = "refresh_cache"
)

// command is one entry of the connection queue. settle and fail run with the
// connection mutex held; exactly one of them takes effect.
type command struct {
	op        string
	timeout   time.Duration
	run       func(ctx context.Context) (any, error)
	settle    func(v any, err error)
	fail      func(err error)
	onTimeout func(err error)
	abort     chan struct{}
	finished  bool
}

type outcome struct {
	value any
	err   error
}

// Connection is the state machine and command queue of one peripheral. All
// state lives behind mu; a single actor goroutine executes the queue and
// starts native calls one at a time on a helper goroutine.
type Connection struct {
	id     device.PeripheralID
	native device.Native
	bus    Publisher
	radio  RadioSource
	opts   Options
	logger *logrus.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	mu       sync.Mutex
	cond     *sync.Cond
	closed   bool
	state    device.ConnectionState
	queue    []*command
	active   *command
	attempt  *Future[*gatt.Catalog]
	teardown *Future[struct{}]
	catalog  *gatt.Catalog
	chunk    int

	subscribed map[string]bool
	seq        uint64
	streams    []*Stream
}

func newConnection(id device.PeripheralID, native device.Native, bus Publisher, radio RadioSource, opts Options, logger *logrus.Logger) *Connection {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:         id,
		native:     native,
		bus:        bus,
		radio:      radio,
		opts:       opts.withDefaults(),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
		state:      device.Disconnected,
		subscribed: make(map[string]bool),
	}
	c.chunk = c.opts.MaxWriteChunk
	c.cond = sync.NewCond(&c.mu)
	groutine.Go(ctx, "ble-connection-"+string(id), c.run)
	return c
}

// ID returns the peripheral this connection belongs to.
func (c *Connection) ID() device.PeripheralID {
	return c.id
}

// State returns the current connection state.
func (c *Connection) State() device.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Catalog returns a snapshot of the GATT catalog, or nil unless Ready.
func (c *Connection) Catalog() *gatt.Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != device.Ready || c.catalog == nil {
		return nil
	}
	return c.catalog.Snapshot()
}

// WriteChunk is the current payload size of a single ATT write.
func (c *Connection) WriteChunk() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunk
}

// Ready returns the future of the current connection attempt: it resolves
// with a catalog snapshot on reaching Ready and fails if the attempt ends
// first.
func (c *Connection) Ready() *Future[*gatt.Catalog] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == nil {
		return failed[*gatt.Catalog](&device.StateError{Op: "ready", State: c.state})
	}
	return c.attempt
}

// Connect starts a connection attempt. The future resolves when the native
// link is up; enumeration follows automatically, see Ready.
func (c *Connection) Connect() *Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state != device.Disconnected {
		return failed[struct{}](&device.StateError{Op: opConnect, State: c.state})
	}
	if c.radio != nil {
		if rs := c.radio.Current(); rs != device.RadioOn {
			return failed[struct{}](&device.RadioError{State: rs})
		}
	}

	attempt := newFuture[*gatt.Catalog]()
	c.attempt = attempt
	c.setState(device.Connecting)

	f := newFuture[struct{}]()
	cmd := c.newCommand(opConnect, c.opts.ConnectTimeout, func(ctx context.Context) (any, error) {
		return nil, c.native.Connect(ctx, c.id)
	})
	cmd.fail = func(err error) {
		f.complete(struct{}{}, err)
		attempt.complete(nil, err)
	}
	cmd.settle = func(_ any, err error) {
		if err != nil {
			err = normalize(opConnect, err)
			cmd.fail(err)
			c.connectFailed(err)
			return
		}
		f.complete(struct{}{}, nil)
		c.setState(device.Connected)
		c.publish(device.Event{Kind: device.EventConnect})
		c.setState(device.DiscoveringServices)
		c.queue = append([]*command{c.enumerateCommand(attempt)}, c.queue...)
		c.cond.Signal()
	}
	cmd.onTimeout = c.connectFailed
	c.push(cmd)
	return f
}

// connectFailed follows the Connecting -> Disconnected edge.
func (c *Connection) connectFailed(err error) {
	c.logger.WithFields(logrus.Fields{"peripheral": c.id, "error": err}).Warn("Connection attempt failed")
	c.reset()
	c.setState(device.Disconnected)
	c.publish(device.Event{Kind: device.EventConnectFailed, Err: err, Reason: err.Error()})
}

func (c *Connection) enumerateCommand(attempt *Future[*gatt.Catalog]) *command {
	cmd := c.newCommand(opEnumerate, c.opts.EnumerateTimeout, func(ctx context.Context) (any, error) {
		profile, err := c.native.Enumerate(ctx, c.id)
		if err != nil {
			return nil, normalize(opEnumerate, err)
		}
		return gatt.Build(profile)
	})
	cmd.fail = func(err error) {
		attempt.complete(nil, err)
	}
	cmd.settle = func(v any, err error) {
		if err != nil {
			err = normalize(opEnumerate, err)
			attempt.complete(nil, err)
			c.logger.WithFields(logrus.Fields{"peripheral": c.id, "error": err}).Error("Service discovery failed")
			c.beginTeardown(err)
			return
		}
		catalog := v.(*gatt.Catalog)
		c.catalog = catalog
		c.setState(device.Ready)
		c.logger.WithFields(logrus.Fields{
			"peripheral":      c.id,
			"services":        catalog.Len(),
			"characteristics": catalog.CharacteristicCount(),
		}).Info("Peripheral ready")
		attempt.complete(catalog.Snapshot(), nil)
	}
	return cmd
}

// DiscoverServices joins the enumeration that follows a successful connect.
func (c *Connection) DiscoverServices() *Future[*gatt.Catalog] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != device.DiscoveringServices {
		return failed[*gatt.Catalog](&device.StateError{Op: "discover_services", State: c.state})
	}
	return c.attempt
}

// Disconnect tears the connection down. Pending commands fail with
// ErrCancelled. It is a no-op when already Disconnected and joins the
// running teardown when Disconnecting.
func (c *Connection) Disconnect() *Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case device.Disconnected:
		return resolved(struct{}{})
	case device.Disconnecting:
		return c.teardown
	}
	c.beginTeardown(errors.New("disconnect requested"))
	return c.teardown
}

// beginTeardown moves to Disconnecting, cancels everything pending and
// queues the native disconnect.
func (c *Connection) beginTeardown(cause error) {
	c.teardown = newFuture[struct{}]()
	c.setState(device.Disconnecting)
	c.failPending(device.Cancelled(cause))
	if c.attempt != nil {
		c.attempt.complete(nil, device.Cancelled(cause))
	}

	cmd := c.newCommand(opDisconnect, c.opts.DisconnectTimeout, func(ctx context.Context) (any, error) {
		return nil, c.native.Disconnect(ctx, c.id)
	})
	cmd.fail = func(error) {}
	cmd.settle = func(_ any, err error) {
		if err != nil {
			c.logger.WithFields(logrus.Fields{"peripheral": c.id, "error": err}).Warn("Native disconnect failed")
		}
		c.finishTeardown("requested")
	}
	cmd.onTimeout = func(error) {
		c.logger.WithField("peripheral", c.id).Warn("Native disconnect timed out")
		c.finishTeardown("timeout")
	}
	c.push(cmd)
}

// finishTeardown follows the Disconnecting -> Disconnected edge.
func (c *Connection) finishTeardown(reason string) {
	if c.state != device.Disconnecting {
		return
	}
	c.failPending(device.ErrCancelled)
	c.reset()
	c.setState(device.Disconnected)
	c.publish(device.Event{Kind: device.EventDisconnect, Reason: reason})
	c.teardown.complete(struct{}{}, nil)
}

// HandleDisconnect applies an unsolicited link loss reported by the native
// stack.
func (c *Connection) HandleDisconnect(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.WithFields(logrus.Fields{"peripheral": c.id, "reason": reason, "state": c.state})
	switch c.state {
	case device.Disconnected:
		log.Debug("Ignoring disconnect for idle connection")
	case device.Disconnecting:
		log.Debug("Link loss acknowledges teardown")
		c.finishTeardown(reason)
	case device.Connecting:
		err := &device.NativeError{Op: opConnect, Code: "disconnected", Err: errors.New(reason)}
		c.failPending(err)
		if c.attempt != nil {
			c.attempt.complete(nil, err)
		}
		c.reset()
		c.setState(device.Disconnected)
		c.publish(device.Event{Kind: device.EventConnectFailed, Err: err, Reason: reason})
	default:
		log.Warn("Unexpected disconnect")
		cause := &device.NativeError{Op: "link", Code: "disconnected", Err: errors.New(reason)}
		c.failPending(device.Cancelled(cause))
		if c.attempt != nil {
			c.attempt.complete(nil, cause)
		}
		c.reset()
		c.setState(device.Disconnected)
		c.publish(device.Event{Kind: device.EventUnexpectedDisconnect, Err: cause, Reason: reason})
	}
}

// HandleRadioOff fails the connection with ErrRadioUnavailable and moves it
// to Disconnected.
func (c *Connection) HandleRadioOff(state device.RadioState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == device.Disconnected {
		return
	}

	err := &device.RadioError{State: state}
	prev := c.state
	c.failPending(err)
	if c.attempt != nil {
		c.attempt.complete(nil, err)
	}
	c.reset()
	c.setState(device.Disconnected)

	c.logger.WithFields(logrus.Fields{"peripheral": c.id, "state": prev, "radio": state}).Warn("Radio lost, connection dropped")
	switch prev {
	case device.Connecting:
		c.publish(device.Event{Kind: device.EventConnectFailed, Err: err, Reason: "radio " + state.String()})
	case device.Disconnecting:
		c.publish(device.Event{Kind: device.EventDisconnect, Reason: "radio " + state.String()})
		c.teardown.complete(struct{}{}, nil)
	default:
		c.publish(device.Event{Kind: device.EventUnexpectedDisconnect, Err: err, Reason: "radio " + state.String()})
	}
}

// ReadRSSI reads the signal strength of the link.
func (c *Connection) ReadRSSI() *Future[int] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireReady(opReadRSSI); err != nil {
		return failed[int](err)
	}
	return submit(c, opReadRSSI, c.opts.AttributeTimeout, func(ctx context.Context) (int, error) {
		return c.native.ReadRSSI(ctx, c.id)
	}, nil)
}

// ReadCharacteristic reads a characteristic value.
func (c *Connection) ReadCharacteristic(service, characteristic string) *Future[[]byte] {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, _, err := c.admitCharacteristic(opRead, service, characteristic)
	if err != nil {
		return failed[[]byte](err)
	}
	return submit(c, opRead, c.opts.AttributeTimeout, func(ctx context.Context) ([]byte, error) {
		return c.native.ReadAttribute(ctx, ref)
	}, nil)
}

// WriteCharacteristic writes data, split into chunks of WriteChunk bytes.
// Acknowledged chunks each wait for the peripheral's response; unacknowledged
// chunks are separated by the write pacing delay, including after the last
// one, before the queue advances.
func (c *Connection) WriteCharacteristic(service, characteristic string, data []byte, acknowledged bool) *Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, _, err := c.admitCharacteristic(opWrite, service, characteristic)
	if err != nil {
		return failed[struct{}](err)
	}

	chunks := split(data, c.chunk)
	pacing := c.opts.WritePacing
	timeout := time.Duration(len(chunks)) * c.opts.AttributeTimeout
	if !acknowledged {
		timeout += time.Duration(len(chunks)) * pacing
	}
	return submit(c, opWrite, timeout, func(ctx context.Context) (struct{}, error) {
		for _, chunk := range chunks {
			if err := c.native.WriteAttribute(ctx, ref, chunk, acknowledged); err != nil {
				return struct{}{}, err
			}
			if acknowledged || pacing <= 0 {
				continue
			}
			t := time.NewTimer(pacing)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return struct{}{}, ctx.Err()
			}
		}
		return struct{}{}, nil
	}, nil)
}

// WriteWithoutResponse is WriteCharacteristic without acknowledgement.
func (c *Connection) WriteWithoutResponse(service, characteristic string, data []byte) *Future[struct{}] {
	return c.WriteCharacteristic(service, characteristic, data, false)
}

// ReadDescriptor reads a descriptor and records the value, or the failure,
// in the catalog.
func (c *Connection) ReadDescriptor(service, characteristic, descriptor string) *Future[[]byte] {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, err := c.admitDescriptor(opReadDescriptor, service, characteristic, descriptor)
	if err != nil {
		return failed[[]byte](err)
	}
	return c.readDescriptor(ref)
}

func (c *Connection) readDescriptor(ref device.AttributeRef) *Future[[]byte] {
	catalog := c.catalog
	return submit(c, opReadDescriptor, c.opts.AttributeTimeout, func(ctx context.Context) ([]byte, error) {
		return c.native.ReadAttribute(ctx, ref)
	}, func(v []byte, err error) {
		if err != nil {
			_ = catalog.SetDescriptorError(ref.Service, ref.Characteristic, ref.Descriptor, err)
			return
		}
		_ = catalog.SetDescriptorValue(ref.Service, ref.Characteristic, ref.Descriptor, v)
	})
}

// WriteDescriptor writes a descriptor value.
func (c *Connection) WriteDescriptor(service, characteristic, descriptor string, data []byte) *Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, err := c.admitDescriptor(opWriteDescriptor, service, characteristic, descriptor)
	if err != nil {
		return failed[struct{}](err)
	}
	catalog := c.catalog
	value := append([]byte(nil), data...)
	return submit(c, opWriteDescriptor, c.opts.AttributeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.native.WriteAttribute(ctx, ref, value, true)
	}, func(_ struct{}, err error) {
		if err == nil {
			_ = catalog.SetDescriptorValue(ref.Service, ref.Characteristic, ref.Descriptor, value)
		}
	})
}

// ReadAllDescriptors queues one descriptor read per descriptor of the
// catalog. A failed read is recorded on that descriptor and the remaining
// reads continue; the future fails only if the connection ends first.
func (c *Connection) ReadAllDescriptors() *Future[[]gatt.Descriptor] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireReady("read_all_descriptors"); err != nil {
		return failed[[]gatt.Descriptor](err)
	}

	catalog := c.catalog
	var reads []*Future[[]byte]
	for _, d := range catalog.Descriptors() {
		reads = append(reads, c.readDescriptor(device.AttributeRef{
			Peripheral:     c.id,
			Service:        d.ServiceUUID,
			Characteristic: d.CharacteristicUUID,
			Descriptor:     d.UUID,
		}))
	}

	f := newFuture[[]gatt.Descriptor]()
	groutine.Go(c.ctx, "ble-read-descriptors-"+string(c.id), func(ctx context.Context) {
		for _, r := range reads {
			<-r.Done()
			if err := r.Err(); err != nil && !errors.Is(err, device.ErrNativeFailure) && !errors.Is(err, device.ErrNotFound) {
				f.complete(nil, err)
				return
			}
		}
		f.complete(catalog.Snapshot().Descriptors(), nil)
	})
	return f
}

// SetNotification enables or disables value updates for a characteristic.
// Disabling is idempotent.
func (c *Connection) SetNotification(service, characteristic string, enabled bool) *Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, char, err := c.admitCharacteristic(opSetNotify, service, characteristic)
	if err != nil {
		return failed[struct{}](err)
	}
	if enabled && !char.Properties.CanNotify() {
		return failed[struct{}](fmt.Errorf("%w: characteristic %s supports neither notify nor indicate", device.ErrUnsupported, ref.Characteristic))
	}

	key := notifyKey(ref.Service, ref.Characteristic)
	return submit(c, opSetNotify, c.opts.AttributeTimeout, func(ctx context.Context) (struct{}, error) {
		c.mu.Lock()
		subscribed := c.subscribed[key]
		c.mu.Unlock()
		if subscribed == enabled {
			return struct{}{}, nil
		}
		return struct{}{}, c.native.SetNotify(ctx, c.id, ref.Service, ref.Characteristic, enabled)
	}, func(_ struct{}, err error) {
		if err != nil {
			return
		}
		if enabled {
			c.subscribed[key] = true
		} else {
			delete(c.subscribed, key)
		}
	})
}

// RequestMTU negotiates the ATT MTU. On success the write chunk becomes MTU-3.
func (c *Connection) RequestMTU(mtu int) *Future[int] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireReady(opRequestMTU); err != nil {
		return failed[int](err)
	}
	negotiator, ok := c.native.(device.MTUNegotiator)
	if !ok || !c.native.Capabilities().Has(device.CapRequestMTU) {
		return failed[int](fmt.Errorf("%w: mtu exchange", device.ErrUnsupported))
	}
	return submit(c, opRequestMTU, c.opts.AttributeTimeout, func(ctx context.Context) (int, error) {
		return negotiator.RequestMTU(ctx, c.id, mtu)
	}, func(negotiated int, err error) {
		if err == nil && negotiated > 3 {
			c.chunk = negotiated - 3
		}
	})
}

// RefreshCache asks the native stack to drop its GATT cache for the peripheral.
func (c *Connection) RefreshCache() *Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireReady(opRefreshCache); err != nil {
		return failed[struct{}](err)
	}
	refresher, ok := c.native.(device.CacheRefresher)
	if !ok || !c.native.Capabilities().Has(device.CapRefreshCache) {
		return failed[struct{}](fmt.Errorf("%w: cache refresh", device.ErrUnsupported))
	}
	return submit(c, opRefreshCache, c.opts.AttributeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, refresher.RefreshCache(ctx, c.id)
	}, nil)
}

// Close stops the actor. Pending commands fail with ErrCancelled and open
// streams are closed. It does not disconnect; call Disconnect first.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.stopped
		return
	}
	c.closed = true
	c.failPending(device.Cancelled(errors.New("connection closed")))
	streams := c.streams
	c.streams = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	<-c.stopped
	c.cancel()
}

func (c *Connection) requireReady(op string) error {
	if c.closed {
		return &device.StateError{Op: op, State: c.state}
	}
	if c.state != device.Ready || c.catalog == nil {
		return &device.StateError{Op: op, State: c.state}
	}
	return nil
}

func (c *Connection) admitCharacteristic(op, service, characteristic string) (device.AttributeRef, gatt.Characteristic, error) {
	if err := c.requireReady(op); err != nil {
		return device.AttributeRef{}, gatt.Characteristic{}, err
	}
	char, err := c.catalog.Characteristic(service, characteristic)
	if err != nil {
		return device.AttributeRef{}, gatt.Characteristic{}, err
	}
	return device.AttributeRef{Peripheral: c.id, Service: char.ServiceUUID, Characteristic: char.UUID}, char, nil
}

func (c *Connection) admitDescriptor(op, service, characteristic, descriptor string) (device.AttributeRef, error) {
	if err := c.requireReady(op); err != nil {
		return device.AttributeRef{}, err
	}
	d, err := c.catalog.Descriptor(service, characteristic, descriptor)
	if err != nil {
		return device.AttributeRef{}, err
	}
	return device.AttributeRef{
		Peripheral:     c.id,
		Service:        d.ServiceUUID,
		Characteristic: d.CharacteristicUUID,
		Descriptor:     d.UUID,
	}, nil
}

func (c *Connection) newCommand(op string, timeout time.Duration, run func(ctx context.Context) (any, error)) *command {
	return &command{op: op, timeout: timeout, run: run, abort: make(chan struct{})}
}

// submit queues a typed command. after, when set, runs with the mutex held
// once the native call returns, before the future completes.
func submit[T any](c *Connection, op string, timeout time.Duration, run func(ctx context.Context) (T, error), after func(T, error)) *Future[T] {
	f := newFuture[T]()
	cmd := c.newCommand(op, timeout, func(ctx context.Context) (any, error) {
		return run(ctx)
	})
	cmd.fail = func(err error) {
		var zero T
		f.complete(zero, err)
	}
	cmd.settle = func(v any, err error) {
		var value T
		if err != nil {
			err = normalize(op, err)
		} else {
			value, _ = v.(T)
		}
		if after != nil {
			after(value, err)
		}
		f.complete(value, err)
	}
	c.push(cmd)
	return f
}

func (c *Connection) push(cmd *command) {
	c.queue = append(c.queue, cmd)
	c.cond.Signal()
}

// abortCommand fails cmd with err unless it already completed.
func (c *Connection) abortCommand(cmd *command, err error) {
	if cmd.finished {
		return
	}
	cmd.finished = true
	cmd.fail(err)
	close(cmd.abort)
}

// failPending fails the in-flight command and the queue, in submission order.
func (c *Connection) failPending(err error) {
	if c.active != nil {
		c.abortCommand(c.active, err)
	}
	for _, cmd := range c.queue {
		c.abortCommand(cmd, err)
	}
	c.queue = nil
}

// reset drops everything that belongs to a single attempt.
func (c *Connection) reset() {
	c.catalog = nil
	c.subscribed = make(map[string]bool)
	c.chunk = c.opts.MaxWriteChunk
}

func (c *Connection) setState(next device.ConnectionState) {
	if c.state == next {
		return
	}
	c.logger.WithFields(logrus.Fields{"peripheral": c.id, "from": c.state, "to": next}).Debug("Connection state changed")
	c.state = next
	c.publish(device.Event{Kind: device.EventConnectionState, State: next})
}

func (c *Connection) publish(ev device.Event) {
	if c.bus == nil {
		return
	}
	ev.Peripheral = c.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.bus.Publish(ev)
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.stopped)
	for {
		cmd := c.next()
		if cmd == nil {
			return
		}
		c.execute(cmd)
	}
}

func (c *Connection) next() *command {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for len(c.queue) > 0 {
			cmd := c.queue[0]
			c.queue = c.queue[1:]
			if cmd.finished {
				continue
			}
			c.active = cmd
			return cmd
		}
		if c.closed {
			return nil
		}
		c.cond.Wait()
	}
}

// execute runs one native call. The actor owns the timeout; a late result
// from an expired or finished call is discarded, but the actor still waits for
// it so that no two native calls overlap.
func (c *Connection) execute(cmd *command) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	log := c.logger.WithFields(logrus.Fields{"peripheral": c.id, "op": cmd.op})
	log.Debug("Executing command")

	result := make(chan outcome, 1)
	groutine.Go(ctx, "ble-op-"+cmd.op, func(ctx context.Context) {
		v, err := cmd.run(ctx)
		result <- outcome{value: v, err: err}
	})

	timer := time.NewTimer(cmd.timeout)
	defer timer.Stop()

	select {
	case out := <-result:
		c.mu.Lock()
		if !cmd.finished {
			cmd.finished = true
			cmd.settle(out.value, out.err)
		}
		c.active = nil
		c.mu.Unlock()
		return
	case <-timer.C:
		c.expire(cmd)
	case <-cmd.abort:
		log.Debug("Command aborted")
	}

	cancel()
	c.drain(result, log)
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}

func (c *Connection) expire(cmd *command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cmd.finished {
		return
	}
	err := fmt.Errorf("%w: %s did not complete within %s", device.ErrTimeout, cmd.op, cmd.timeout)
	c.logger.WithFields(logrus.Fields{"peripheral": c.id, "op": cmd.op, "timeout": cmd.timeout}).Warn("Command timed out")
	c.abortCommand(cmd, err)
	if cmd.onTimeout != nil {
		cmd.onTimeout(err)
		return
	}
	c.beginTeardown(err)
}

func (c *Connection) drain(result <-chan outcome, log *logrus.Entry) {
	t := time.NewTimer(c.opts.DisconnectTimeout)
	defer t.Stop()
	select {
	case <-result:
	case <-t.C:
		log.Warn("Native call did not return after cancellation")
	}
}

// normalize maps context and native errors onto the device taxonomy.
func normalize(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case device.IsTaxonomy(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", device.ErrTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return device.Cancelled(err)
	default:
		return device.WrapNative(op, err)
	}
}

func split(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{append([]byte{}, data...)}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, append([]byte{}, data[:n]...))
		data = data[n:]
	}
	return chunks
}
