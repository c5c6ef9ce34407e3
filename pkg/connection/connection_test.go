package connection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/connection"
	"github.com/stretchr/testify/suite"
)

const (
	hrm = device.PeripheralID("AA:BB:CC:DD:EE:01")

	hrService      = "180d"
	hrMeasurement  = "2a37"
	bodyLocation   = "2a38"
	cccd           = "2902"
	userDesc       = "2901"
	uartService    = "6e400001b5a3f393e0a9e50e24dcca9e"
	uartRX         = "6e400002b5a3f393e0a9e50e24dcca9e"
	uartTX         = "6e400003b5a3f393e0a9e50e24dcca9e"
	attributeLimit = 150 * time.Millisecond
	pacing         = 20 * time.Millisecond
)

type eventRecorder struct {
	mu     sync.Mutex
	events []device.Event
}

func (r *eventRecorder) Publish(ev device.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) of(kind device.EventKind) []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []device.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) states() []device.ConnectionState {
	var out []device.ConnectionState
	for _, ev := range r.of(device.EventConnectionState) {
		out = append(out, ev.State)
	}
	return out
}

type radioSwitch struct {
	mu    sync.Mutex
	state device.RadioState
}

func (r *radioSwitch) Current() device.RadioState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *radioSwitch) set(s device.RadioState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

type ConnectionTestSuite struct {
	suite.Suite
	native  *testutils.FakeNative
	events  *eventRecorder
	radio   *radioSwitch
	manager *connection.Manager
}

func (s *ConnectionTestSuite) SetupTest() {
	s.native = testutils.NewFakeNative().WithPeripheral(hrm, testutils.HeartRateProfile())
	s.events = &eventRecorder{}
	s.radio = &radioSwitch{state: device.RadioOn}
	s.manager = connection.NewManager(s.native, s.events, s.radio, connection.Options{
		ConnectTimeout:    300 * time.Millisecond,
		EnumerateTimeout:  300 * time.Millisecond,
		AttributeTimeout:  attributeLimit,
		DisconnectTimeout: 200 * time.Millisecond,
		WritePacing:       pacing,
	}, testutils.NewTestLogger())
}

func (s *ConnectionTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.manager.Close(ctx)
}

func (s *ConnectionTestSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *ConnectionTestSuite) connectReady() *connection.Connection {
	c := s.manager.Open(hrm)
	_, err := c.Connect().Await(s.ctx())
	s.Require().NoError(err, "MUST connect")
	_, err = c.Ready().Await(s.ctx())
	s.Require().NoError(err, "MUST reach Ready")
	return c
}

func (s *ConnectionTestSuite) TestConnectReachesReady() {
	// GOAL: Verify a connect walks Connecting -> Connected -> DiscoveringServices -> Ready
	//
	// TEST SCENARIO: Connect, await Ready -> state events in order, catalog installed

	c := s.connectReady()

	s.Equal(device.Ready, c.State())
	s.Equal([]device.ConnectionState{
		device.Connecting, device.Connected, device.DiscoveringServices, device.Ready,
	}, s.events.states(), "state events MUST follow the state machine")
	s.Len(s.events.of(device.EventConnect), 1, "MUST publish one connect event")

	testutils.NewJSONAsserter(s.T()).AssertValue(c.Catalog(), `[
		{"uuid": "180d", "name": "Heart Rate", "characteristics": [
			{"uuid": "2a37", "properties": ["notify"], "descriptors": [{"uuid": "2902"}]},
			{"uuid": "2a38", "properties": ["read"], "descriptors": [{"uuid": "2901"}]}
		]},
		{"uuid": "6e400001b5a3f393e0a9e50e24dcca9e", "characteristics": [
			{"uuid": "6e400002b5a3f393e0a9e50e24dcca9e", "properties": ["write-without-response", "write"]},
			{"uuid": "6e400003b5a3f393e0a9e50e24dcca9e", "properties": ["notify"]}
		]}
	]`)
}

func (s *ConnectionTestSuite) TestCommandsCompleteInSubmissionOrder() {
	// GOAL: Verify the queue executes one native call at a time and completes in arrival order
	//
	// TEST SCENARIO: Hold reads at a gate, submit mixed commands, release -> one in flight, ordered completion

	c := s.connectReady()
	release := s.native.Block(testutils.OpRead)

	var done []<-chan struct{}
	done = append(done, c.ReadCharacteristic(hrService, bodyLocation).Done())
	done = append(done, c.WriteCharacteristic(uartService, uartRX, []byte("hello"), true).Done())
	done = append(done, c.ReadRSSI().Done())
	done = append(done, c.ReadDescriptor(hrService, bodyLocation, userDesc).Done())
	done = append(done, c.SetNotification(hrService, hrMeasurement, true).Done())

	s.Eventually(func() bool { return s.native.InFlight(hrm) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.native.InFlight(hrm), "MUST NOT start a second native call while one is in flight")
	release()

	for i, ch := range done {
		select {
		case <-ch:
		case <-time.After(time.Second):
			s.FailNow("command did not complete", "index %d", i)
		}
		for j := 0; j < i; j++ {
			select {
			case <-done[j]:
			default:
				s.Failf("completion order violated", "command %d completed before %d", i, j)
			}
		}
	}
	s.Equal(1, s.native.MaxInFlight(hrm), "MUST keep at most one native call in flight")

	var ops []string
	for _, call := range s.native.Calls(testutils.OpRead, testutils.OpWrite, testutils.OpReadRSSI, testutils.OpSetNotify) {
		ops = append(ops, call.Op)
	}
	s.Equal([]string{"read", "write", "read_rssi", "read", "set_notify"}, ops, "native calls MUST follow submission order")
}

func (s *ConnectionTestSuite) TestCommandsRejectedOutsideReady() {
	// GOAL: Verify illegal commands fail immediately with ErrInvalidState
	//
	// TEST SCENARIO: Commands on an idle connection, DiscoverServices and Connect while Ready

	c := s.manager.Open(hrm)
	s.ErrorIs(c.ReadCharacteristic(hrService, bodyLocation).Err(), device.ErrInvalidState)
	s.ErrorIs(c.ReadRSSI().Err(), device.ErrInvalidState)
	s.ErrorIs(c.DiscoverServices().Err(), device.ErrInvalidState)
	s.ErrorIs(c.Ready().Err(), device.ErrInvalidState)
	s.Empty(s.native.Calls(testutils.OpRead, testutils.OpReadRSSI), "rejected commands MUST NOT reach the native stack")

	s.connectReady()
	s.ErrorIs(c.Connect().Err(), device.ErrInvalidState, "connect MUST require Disconnected")
	s.ErrorIs(c.DiscoverServices().Err(), device.ErrInvalidState, "discover MUST require DiscoveringServices")
}

func (s *ConnectionTestSuite) TestDiscoverServicesJoinsEnumeration() {
	// GOAL: Verify DiscoverServices during enumeration shares the automatic enumeration
	//
	// TEST SCENARIO: Hold enumeration, call DiscoverServices twice -> one native enumerate

	release := s.native.Block(testutils.OpEnumerate)
	c := s.manager.Open(hrm)
	_, err := c.Connect().Await(s.ctx())
	s.Require().NoError(err)

	s.Eventually(func() bool { return c.State() == device.DiscoveringServices }, time.Second, 5*time.Millisecond)
	first := c.DiscoverServices()
	second := c.DiscoverServices()
	release()

	catalog, err := first.Await(s.ctx())
	s.Require().NoError(err)
	s.Equal(2, catalog.Len())
	_, err = second.Await(s.ctx())
	s.NoError(err)
	s.Len(s.native.Calls(testutils.OpEnumerate), 1, "MUST enumerate once")
}

func (s *ConnectionTestSuite) TestUnknownUUIDIsNotFoundWithoutTeardown() {
	// GOAL: Verify an unknown attribute fails with NotFound and leaves the connection Ready
	//
	// TEST SCENARIO: readDescriptor on an absent descriptor -> NotFound, state Ready, no disconnect

	c := s.connectReady()

	err := c.ReadDescriptor(hrService, bodyLocation, "ffff").Err()
	s.ErrorIs(err, device.ErrNotFound)
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("descriptor", nf.Resource)

	s.ErrorIs(c.ReadCharacteristic("1234", bodyLocation).Err(), device.ErrNotFound)
	s.Equal(device.Ready, c.State(), "MUST stay Ready")
	s.Empty(s.native.Calls(testutils.OpDisconnect), "MUST NOT tear down")
}

func (s *ConnectionTestSuite) TestNotifyWithoutCapabilityIsUnsupported() {
	c := s.connectReady()

	err := c.SetNotification(hrService, bodyLocation, true).Err()
	s.ErrorIs(err, device.ErrUnsupported)
	s.ErrorIs(err, device.ErrNativeFailure, "unsupported MUST be a native failure")
}

func (s *ConnectionTestSuite) TestTimeoutCancelsQueueAndTearsDown() {
	// GOAL: Verify a command timeout fails that command with Timeout and the rest with Cancelled
	//
	// TEST SCENARIO: Hold a read past its timeout with two commands queued behind it

	c := s.connectReady()
	s.native.Block(testutils.OpRead)

	read := c.ReadCharacteristic(hrService, bodyLocation)
	rssi := c.ReadRSSI()
	write := c.WriteCharacteristic(uartService, uartRX, []byte{1}, true)

	_, err := read.Await(s.ctx())
	s.ErrorIs(err, device.ErrTimeout, "timed out command MUST fail with Timeout")
	_, err = rssi.Await(s.ctx())
	s.ErrorIs(err, device.ErrCancelled)
	s.NotErrorIs(err, device.ErrTimeout)
	_, err = write.Await(s.ctx())
	s.ErrorIs(err, device.ErrCancelled)

	s.Eventually(func() bool { return c.State() == device.Disconnected }, time.Second, 5*time.Millisecond)
	s.Len(s.native.Calls(testutils.OpDisconnect), 1, "MUST issue one native disconnect")
	s.Empty(s.native.Calls(testutils.OpReadRSSI, testutils.OpWrite), "cancelled commands MUST NOT reach the native stack")
	s.Equal(1, s.native.MaxInFlight(hrm), "teardown MUST wait for the abandoned call")
	s.Len(s.events.of(device.EventDisconnect), 1)
}

func (s *ConnectionTestSuite) TestDisconnectIsIdempotent() {
	// GOAL: Verify repeated disconnects produce one teardown and no errors
	//
	// TEST SCENARIO: Disconnect twice while tearing down, once more when Disconnected

	c := s.connectReady()
	release := s.native.Block(testutils.OpDisconnect)

	first := c.Disconnect()
	second := c.Disconnect()
	s.Equal(device.Disconnecting, c.State())
	release()

	_, err := first.Await(s.ctx())
	s.NoError(err)
	_, err = second.Await(s.ctx())
	s.NoError(err)
	_, err = c.Disconnect().Await(s.ctx())
	s.NoError(err)

	s.Equal(device.Disconnected, c.State())
	s.Len(s.native.Calls(testutils.OpDisconnect), 1, "MUST disconnect natively once")
	s.Len(s.events.of(device.EventDisconnect), 1, "MUST NOT publish duplicate teardown events")
	s.Nil(c.Catalog(), "catalog MUST NOT be observable after disconnect")
}

func (s *ConnectionTestSuite) TestDisconnectCancelsPendingCommands() {
	c := s.connectReady()
	s.native.Block(testutils.OpRead)

	inFlight := c.ReadCharacteristic(hrService, bodyLocation)
	queued := c.ReadRSSI()
	s.Eventually(func() bool { return s.native.InFlight(hrm) == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.Disconnect().Await(s.ctx())
	s.Require().NoError(err)

	s.ErrorIs(inFlight.Err(), device.ErrCancelled)
	s.ErrorIs(queued.Err(), device.ErrCancelled)
	s.Equal(1, s.native.MaxInFlight(hrm))
}

func (s *ConnectionTestSuite) TestUnexpectedDisconnect() {
	// GOAL: Verify a link loss while Ready moves straight to Disconnected
	//
	// TEST SCENARIO: Subscribe, drop the link -> UnexpectedDisconnect, subscriptions gone

	c := s.connectReady()
	_, err := c.SetNotification(hrService, hrMeasurement, true).Await(s.ctx())
	s.Require().NoError(err)

	s.manager.HandleEvent(device.Event{Kind: device.EventDisconnect, Peripheral: hrm, Reason: "supervision timeout"})

	s.Equal(device.Disconnected, c.State())
	unexpected := s.events.of(device.EventUnexpectedDisconnect)
	s.Require().Len(unexpected, 1)
	s.Equal("supervision timeout", unexpected[0].Reason)
	s.False(c.IsSubscribed(hrService, hrMeasurement), "subscriptions MUST end at disconnect")
	s.Empty(s.native.Calls(testutils.OpDisconnect), "MUST NOT disconnect natively")
	s.ErrorIs(c.ReadRSSI().Err(), device.ErrInvalidState)

	// a stale disconnect report is ignored
	c.HandleDisconnect("again")
	s.Len(s.events.of(device.EventUnexpectedDisconnect), 1)
}

func (s *ConnectionTestSuite) TestRadioOffFailsConnection() {
	// GOAL: Verify radio loss fails every pending command with RadioUnavailable
	//
	// TEST SCENARIO: Command in flight, radio goes Off -> command fails, state Disconnected, connect refused

	c := s.connectReady()
	s.native.Block(testutils.OpRead)
	read := c.ReadCharacteristic(hrService, bodyLocation)
	queued := c.ReadRSSI()

	s.radio.set(device.RadioOff)
	s.manager.HandleRadioChange(device.RadioOn, device.RadioOff)

	s.ErrorIs(read.Err(), device.ErrRadioUnavailable)
	s.ErrorIs(queued.Err(), device.ErrRadioUnavailable)
	s.Equal(device.Disconnected, c.State())
	s.Len(s.events.of(device.EventUnexpectedDisconnect), 1)
	s.ErrorIs(c.Connect().Err(), device.ErrRadioUnavailable, "connect MUST require the radio")
}

func (s *ConnectionTestSuite) TestConnectFailure() {
	s.native.Fail(testutils.OpConnect, errors.New("peer refused"))
	c := s.manager.Open(hrm)

	_, err := c.Connect().Await(s.ctx())
	s.ErrorIs(err, device.ErrNativeFailure)
	s.ErrorIs(c.Ready().Err(), device.ErrNativeFailure, "attempt MUST fail with the connect error")
	s.Equal(device.Disconnected, c.State())
	s.Len(s.events.of(device.EventConnectFailed), 1)

	s.native.Fail(testutils.OpConnect, nil)
	_, err = c.Connect().Await(s.ctx())
	s.NoError(err, "MUST be able to retry")
}

func (s *ConnectionTestSuite) TestConnectTimeout() {
	s.native.Block(testutils.OpConnect)
	c := s.manager.Open(hrm)

	_, err := c.Connect().Await(s.ctx())
	s.ErrorIs(err, device.ErrTimeout)
	s.Equal(device.Disconnected, c.State(), "connect timeout MUST go straight to Disconnected")
	s.Len(s.events.of(device.EventConnectFailed), 1)
	s.Empty(s.events.of(device.EventDisconnect))
}

func (s *ConnectionTestSuite) TestEnumerationFailureTearsDown() {
	s.native.Fail(testutils.OpEnumerate, errors.New("gatt error 0x85"))
	c := s.manager.Open(hrm)

	_, err := c.Connect().Await(s.ctx())
	s.Require().NoError(err)
	_, err = c.Ready().Await(s.ctx())
	s.ErrorIs(err, device.ErrNativeFailure)

	s.Eventually(func() bool { return c.State() == device.Disconnected }, time.Second, 5*time.Millisecond)
	s.Len(s.native.Calls(testutils.OpDisconnect), 1)
	s.NotContains(s.events.states(), device.Ready, "a failed enumeration MUST NOT expose Ready")
}

func (s *ConnectionTestSuite) TestInvalidProfileIsNeverInstalled() {
	const dup = device.PeripheralID("AA:BB:CC:DD:EE:02")
	s.native.WithPeripheral(dup, testutils.NewProfileBuilder().
		WithService("180F").
		WithCharacteristic("2A19", "read").
		WithCharacteristic("2A19", "notify"))
	c := s.manager.Open(dup)

	_, err := c.Connect().Await(s.ctx())
	s.Require().NoError(err)
	_, err = c.Ready().Await(s.ctx())
	s.ErrorIs(err, device.ErrNativeFailure)
	s.Eventually(func() bool { return c.State() == device.Disconnected }, time.Second, 5*time.Millisecond)
	s.Nil(c.Catalog())
}

func (s *ConnectionTestSuite) TestWriteWithoutResponseIsChunkedAndPaced() {
	// GOAL: Verify unacknowledged writes are split into 20 byte chunks separated by the pacing delay
	//
	// TEST SCENARIO: Write 50 bytes then read RSSI -> 3 chunks, each gap >= pacing, RSSI after the last gap

	c := s.connectReady()
	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}

	write := c.WriteWithoutResponse(uartService, uartRX, payload)
	rssi := c.ReadRSSI()
	_, err := write.Await(s.ctx())
	s.Require().NoError(err)
	value, err := rssi.Await(s.ctx())
	s.Require().NoError(err)
	s.Equal(-60, value)

	writes := s.native.Calls(testutils.OpWrite)
	s.Require().Len(writes, 3)
	s.Equal(payload[:20], writes[0].Data)
	s.Equal(payload[20:40], writes[1].Data)
	s.Equal(payload[40:], writes[2].Data)
	for i, w := range writes {
		s.False(w.Ack, "chunk %d MUST be unacknowledged", i)
		if i > 0 {
			s.GreaterOrEqual(w.Time.Sub(writes[i-1].Time), pacing, "chunks MUST be paced")
		}
	}
	next := s.native.Calls(testutils.OpReadRSSI)
	s.Require().Len(next, 1)
	s.GreaterOrEqual(next[0].Time.Sub(writes[2].Time), pacing, "queue MUST advance only after the pacing delay")
}

func (s *ConnectionTestSuite) TestRequestMTUAdjustsWriteChunk() {
	c := s.connectReady()
	s.Equal(20, c.WriteChunk())

	mtu, err := c.RequestMTU(100).Await(s.ctx())
	s.Require().NoError(err)
	s.Equal(100, mtu)
	s.Equal(97, c.WriteChunk(), "chunk MUST become MTU-3")

	_, err = c.WriteCharacteristic(uartService, uartRX, make([]byte, 150), true).Await(s.ctx())
	s.Require().NoError(err)
	writes := s.native.Calls(testutils.OpWrite)
	s.Require().Len(writes, 2)
	s.Len(writes[0].Data, 97)
	s.Len(writes[1].Data, 53)
	s.True(writes[0].Ack)
}

func (s *ConnectionTestSuite) TestOptionalCapabilitiesUnsupported() {
	s.native.WithCapabilities()
	c := s.connectReady()

	s.ErrorIs(c.RequestMTU(185).Err(), device.ErrUnsupported)
	s.ErrorIs(c.RefreshCache().Err(), device.ErrUnsupported)
	s.Empty(s.native.Calls(testutils.OpRequestMTU, testutils.OpRefresh))
}

func (s *ConnectionTestSuite) TestReadAllDescriptorsRecordsFailures() {
	// GOAL: Verify the descriptor bootstrap reads every descriptor and records failures per descriptor
	//
	// TEST SCENARIO: The CCCD read fails, the user description read succeeds -> both recorded

	c := s.connectReady()
	s.native.FailAttribute(testutils.OpRead, device.AttributeRef{
		Peripheral: hrm, Service: hrService, Characteristic: hrMeasurement, Descriptor: cccd,
	}, errors.New("insufficient authentication"))

	descriptors, err := c.ReadAllDescriptors().Await(s.ctx())
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).AssertValue(descriptors, `[
		{"uuid": "2902", "error": "<<PRESENCE>>"},
		{"uuid": "2901"}
	]`)
	s.Len(s.native.Calls(testutils.OpRead), 2, "MUST issue one read per descriptor")
	s.Equal(1, s.native.MaxInFlight(hrm))
	s.Equal(device.Ready, c.State(), "a descriptor failure MUST NOT tear down")

	d, err := c.Catalog().Descriptor(hrService, hrMeasurement, cccd)
	s.Require().NoError(err)
	s.Contains(d.Error, "insufficient authentication")
}

func (s *ConnectionTestSuite) TestNotificationsAreSequencedAndFiltered() {
	// GOAL: Verify only subscribed updates are delivered, with a monotonic sequence
	//
	// TEST SCENARIO: Subscribe 2a37, deliver updates for 2a37 and unsubscribed 6e400003, unsubscribe

	c := s.connectReady()
	_, err := c.SetNotification(hrService, hrMeasurement, true).Await(s.ctx())
	s.Require().NoError(err)

	for i := 0; i < 3; i++ {
		s.True(c.HandleNotification(device.NotificationData{Service: hrService, Characteristic: hrMeasurement, Data: []byte{byte(60 + i)}}))
	}
	s.False(c.HandleNotification(device.NotificationData{Service: uartService, Characteristic: uartTX, Data: []byte{1}}),
		"unsubscribed updates MUST be dropped")

	notes := s.events.of(device.EventNotification)
	s.Require().Len(notes, 3)
	for i, ev := range notes {
		s.Equal(uint64(i+1), ev.Notification.Seq)
		s.Equal(hrm, ev.Peripheral)
	}

	_, err = c.SetNotification(hrService, hrMeasurement, false).Await(s.ctx())
	s.Require().NoError(err)
	_, err = c.SetNotification(hrService, hrMeasurement, false).Await(s.ctx())
	s.Require().NoError(err, "disable MUST be idempotent")
	s.Len(s.native.Calls(testutils.OpSetNotify), 2, "a repeated disable MUST NOT reach the native stack")
	s.False(c.HandleNotification(device.NotificationData{Service: hrService, Characteristic: hrMeasurement}))
}

func (s *ConnectionTestSuite) TestStreamFlagsOverwrittenUpdates() {
	c := s.connectReady()
	_, err := c.SetNotification(hrService, hrMeasurement, true).Await(s.ctx())
	s.Require().NoError(err)

	stream := c.Stream(4)
	defer stream.Close()
	for i := 0; i < 20; i++ {
		c.HandleNotification(device.NotificationData{Service: hrService, Characteristic: hrMeasurement, Data: []byte{byte(i)}})
	}
	s.Positive(stream.Dropped(), "a slow consumer MUST see overwrites counted")

	first, err := stream.Next(s.ctx())
	s.Require().NoError(err)
	s.NotZero(first.Flags&device.FlagDropped, "the first update after a gap MUST be flagged")

	second, err := stream.Next(s.ctx())
	s.Require().NoError(err)
	s.Greater(second.Seq, first.Seq)
	s.Zero(second.Flags & device.FlagDropped)
}

func (s *ConnectionTestSuite) TestManagerRegistry() {
	c := s.manager.Open(hrm)
	s.Same(c, s.manager.Open(hrm), "MUST keep one connection per peripheral")
	s.False(s.manager.IsConnected(hrm))
	s.Empty(s.manager.Connected())

	s.connectReady()
	s.True(s.manager.IsConnected(hrm))
	s.Len(s.manager.Connected(), 1)
	s.Len(s.manager.Connected("180D"), 1, "MUST filter by service")
	s.Empty(s.manager.Connected("180F"))

	s.ErrorIs(s.manager.Remove(hrm), device.ErrInvalidState, "MUST NOT remove a live connection")
	_, err := c.Disconnect().Await(s.ctx())
	s.Require().NoError(err)
	s.NoError(s.manager.Remove(hrm))
	_, ok := s.manager.Get(hrm)
	s.False(ok)
}

func (s *ConnectionTestSuite) TestOpenAfterRemoveIsUsable() {
	// GOAL: Verify Open never hands out a connection that Remove has closed
	//
	// TEST SCENARIO: Open and Remove race on an idle peripheral → the registered connection still reaches Ready

	for i := 0; i < 50; i++ {
		s.manager.Open(hrm)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.NoError(s.manager.Remove(hrm))
		}()
		go func() {
			defer wg.Done()
			s.manager.Open(hrm)
		}()
		wg.Wait()
	}

	removed := s.manager.Open(hrm)
	s.Require().NoError(s.manager.Remove(hrm))
	c := s.manager.Open(hrm)
	s.NotSame(removed, c, "MUST create a fresh connection after Remove")
	got, ok := s.manager.Get(hrm)
	s.Require().True(ok)
	s.Same(c, got, "the returned connection MUST be the registered one")

	c = s.connectReady()
	s.Equal(device.Ready, c.State())
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}
