package scanner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/scanner"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

type ScannerTestSuite struct {
	suitelib.Suite

	native  *testutils.FakeNative
	events  *testutils.EventRecorder
	radio   *radio.Monitor
	session *scanner.Session

	sensor, watch, beacon device.Sighting
}

func (suite *ScannerTestSuite) SetupTest() {
	logger := testutils.NewTestLogger()
	suite.native = testutils.NewFakeNative()
	suite.events = testutils.NewEventRecorder()
	suite.radio = radio.NewMonitor(device.RadioOn, logger)
	suite.session = scanner.NewSession(suite.native, suite.events, suite.radio, logger)

	suite.sensor = testutils.NewSightingBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithName("Test Device 1").
		WithRSSI(-45).
		WithServices("180F", "1800").
		WithTxPower(11).
		Build()
	suite.watch = testutils.NewSightingBuilder().
		WithAddress("11:22:33:44:55:66").
		WithName("Test Device 2").
		WithRSSI(-67).
		WithServices("1801").
		Build()
	suite.beacon = testutils.NewSightingBuilder().
		WithAddress("99:88:77:66:55:44").
		WithRSSI(-80).
		WithServices("1802").
		WithConnectable(false).
		Build()
}

func (suite *ScannerTestSuite) TearDownTest() {
	_ = suite.session.Stop()
}

func (suite *ScannerTestSuite) start(opts scanner.ScanOptions) {
	suite.Require().NoError(suite.session.Start(context.Background(), opts))
}

func (suite *ScannerTestSuite) stopReasons() []string {
	var out []string
	for _, ev := range suite.events.Of(device.EventScanStopped) {
		out = append(out, ev.Reason)
	}
	return out
}

func (suite *ScannerTestSuite) TestStartRequiresRadioOn() {
	// GOAL: Verify a scan cannot start while the radio is not On
	//
	// TEST SCENARIO: Radio Off → Start → RadioUnavailable, native scan never called

	suite.radio.Update(device.RadioOff)

	err := suite.session.Start(context.Background(), scanner.ScanOptions{})
	suite.ErrorIs(err, device.ErrRadioUnavailable, "start MUST fail with RadioUnavailable")
	suite.False(suite.session.IsActive())
	suite.Empty(suite.native.Calls(testutils.OpScan), "native scan MUST NOT be called")
}

func (suite *ScannerTestSuite) TestStartWhileActiveIsRejected() {
	// GOAL: Verify only one pass runs at a time
	//
	// TEST SCENARIO: Start → Start again → AlreadyScanning, first pass keeps running

	suite.start(scanner.ScanOptions{})

	err := suite.session.Start(context.Background(), scanner.ScanOptions{})
	suite.ErrorIs(err, device.ErrAlreadyScanning)
	suite.True(suite.session.IsActive(), "first pass MUST stay active")
	suite.Len(suite.native.Calls(testutils.OpScan), 1)
}

func (suite *ScannerTestSuite) TestNativeStartFailureRevertsWithoutStopEvent() {
	// GOAL: Verify a pass that never started leaves no trace
	//
	// TEST SCENARIO: Native scan fails → NativeFailure, inactive, no ScanStopped → retry succeeds

	suite.native.Fail(testutils.OpScan, errors.New("adapter busy"))

	err := suite.session.Start(context.Background(), scanner.ScanOptions{})
	suite.ErrorIs(err, device.ErrNativeFailure, "native failures MUST surface as NativeFailure")
	suite.False(suite.session.IsActive(), "failed start MUST revert to inactive")
	suite.Empty(suite.events.Of(device.EventScanStopped), "failed start MUST NOT emit a stop event")

	suite.native.Fail(testutils.OpScan, nil)
	suite.start(scanner.ScanOptions{})
	suite.True(suite.session.IsActive())
}

func (suite *ScannerTestSuite) TestFirstSightingWinsWithoutDuplicates() {
	// GOAL: Verify only the first sighting of a peripheral is recorded when duplicates are off
	//
	// TEST SCENARIO: Sensor at -45 → sensor at -30 → unnamed beacon → map keeps -45, beacon is "NO NAME"

	suite.start(scanner.ScanOptions{Duration: 3 * time.Second})

	suite.True(suite.session.HandleDiscovery(suite.sensor))
	louder := suite.sensor
	louder.RSSI = -30
	suite.False(suite.session.HandleDiscovery(louder), "repeated sighting MUST be dropped")
	suite.True(suite.session.HandleDiscovery(suite.beacon))

	p, ok := suite.session.Discovered(suite.sensor.ID)
	suite.Require().True(ok)
	suite.Equal(-45, p.RSSI, "first sighting MUST be kept")
	suite.Equal("Test Device 1", p.Name)

	b, ok := suite.session.Discovered(suite.beacon.ID)
	suite.Require().True(ok)
	suite.Equal(device.UnnamedPeripheral, b.Name, "absent names MUST become the sentinel")

	suite.Len(suite.events.Of(device.EventDiscover), 2, "dropped sightings MUST NOT be published")
}

func (suite *ScannerTestSuite) TestDuplicatesOverwriteSignalAndAdvertisement() {
	// GOAL: Verify every sighting updates the peripheral when duplicates are allowed
	//
	// TEST SCENARIO: Sensor named → unnamed louder sighting with other services → RSSI and services updated, name kept

	suite.start(scanner.ScanOptions{AllowDuplicates: true})
	suite.session.HandleDiscovery(suite.sensor)

	update := testutils.NewSightingBuilder().
		WithAddress(string(suite.sensor.ID)).
		WithRSSI(-30).
		WithServices("180D").
		Build()
	suite.True(suite.session.HandleDiscovery(update))

	p, _ := suite.session.Discovered(suite.sensor.ID)
	testutils.NewJSONAsserter(suite.T()).AssertValue(p, `{
		"id": "AA:BB:CC:DD:EE:FF",
		"name": "Test Device 1",
		"rssi": -30,
		"advertising": {"service_uuids": ["180d"], "connectable": true},
		"last_seen": "<<PRESENCE>>"
	}`)
	suite.Len(suite.events.Of(device.EventDiscover), 2)
}

func (suite *ScannerTestSuite) TestDurationEndsPassWithTimeout() {
	// GOAL: Verify the deadline ends the pass once and stops the native scan
	//
	// TEST SCENARIO: Start with 50ms → Wait → one ScanStopped(timeout) → Stop is a no-op

	suite.start(scanner.ScanOptions{Duration: 50 * time.Millisecond})
	suite.session.HandleDiscovery(suite.sensor)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	suite.Require().NoError(suite.session.Wait(ctx))

	suite.False(suite.session.IsActive())
	suite.Equal([]string{scanner.ReasonTimeout}, suite.stopReasons())
	suite.Len(suite.native.Calls(testutils.OpStopScan), 1, "native scan MUST be stopped")
	scanning, _ := suite.native.IsScanning()
	suite.False(scanning)

	suite.NoError(suite.session.Stop())
	suite.Len(suite.stopReasons(), 1, "stop after timeout MUST NOT emit again")

	suite.Len(suite.session.Peripherals(), 1, "results MUST survive the end of the pass")
	suite.False(suite.session.HandleDiscovery(suite.watch), "sightings after stop MUST be ignored")
}

func (suite *ScannerTestSuite) TestStopIsIdempotent() {
	// GOAL: Verify explicit stops emit exactly one event per pass
	//
	// TEST SCENARIO: Start → Stop → Stop → one ScanStopped(explicit), one native StopScan

	suite.start(scanner.ScanOptions{})

	suite.NoError(suite.session.Stop())
	suite.NoError(suite.session.Stop())

	suite.Equal([]string{scanner.ReasonExplicit}, suite.stopReasons())
	suite.Len(suite.native.Calls(testutils.OpStopScan), 1)
}

func (suite *ScannerTestSuite) TestRadioOffStopsPassOnce() {
	// GOAL: Verify a radio loss ends the pass with a single radio-reason event
	//
	// TEST SCENARIO: Start with duration → radio Off (observed twice) → Stop → one ScanStopped(radio)

	release := suite.radio.OnStateChange(suite.session.HandleRadioChange)
	defer release()

	suite.start(scanner.ScanOptions{Duration: 3 * time.Second})

	suite.radio.Update(device.RadioOff)
	suite.session.HandleRadioChange(device.RadioOn, device.RadioOff)
	suite.NoError(suite.session.Stop())

	suite.False(suite.session.IsActive())
	suite.Equal([]string{scanner.ReasonRadio}, suite.stopReasons())
	suite.ErrorIs(suite.events.Of(device.EventScanStopped)[0].Err, device.ErrRadioUnavailable)
	suite.Empty(suite.native.Calls(testutils.OpStopScan), "radio loss MUST NOT call native StopScan")
}

func (suite *ScannerTestSuite) TestNativeEndOfScan() {
	// GOAL: Verify a pass ended by the host is reported with the native reason
	//
	// TEST SCENARIO: Start → host ends scan → ScanStopped(native) → new pass can start

	suite.start(scanner.ScanOptions{})

	suite.session.HandleScanStopped(nil)
	suite.session.HandleScanStopped(nil)

	suite.Equal([]string{scanner.ReasonNative}, suite.stopReasons())
	suite.Empty(suite.native.Calls(testutils.OpStopScan))

	suite.start(scanner.ScanOptions{})
	suite.True(suite.session.IsActive())
}

func (suite *ScannerTestSuite) TestNewPassResetsPeripherals() {
	// GOAL: Verify each pass starts with an empty peripheral map
	//
	// TEST SCENARIO: Pass 1 sees sensor → Stop → pass 2 sees watch → only watch listed

	suite.start(scanner.ScanOptions{})
	suite.session.HandleDiscovery(suite.sensor)
	suite.Require().NoError(suite.session.Stop())

	suite.start(scanner.ScanOptions{})
	suite.session.HandleDiscovery(suite.watch)

	list := suite.session.List()
	suite.Require().Len(list, 1)
	suite.Equal(suite.watch.ID, list[0].ID)
}

func (suite *ScannerTestSuite) TestSnapshotsAreImmutable() {
	// GOAL: Verify callers cannot mutate discovered peripherals
	//
	// TEST SCENARIO: Discover sensor → mutate returned snapshot → session copy unchanged

	suite.start(scanner.ScanOptions{})
	suite.session.HandleDiscovery(suite.sensor)

	p, _ := suite.session.Discovered(suite.sensor.ID)
	p.Advertisement.ServiceUUIDs[0] = "ffff"
	p.Name = "changed"

	again, _ := suite.session.Discovered(suite.sensor.ID)
	suite.Equal("Test Device 1", again.Name)
	suite.Equal("180f", again.Advertisement.ServiceUUIDs[0])

	ev := suite.events.Of(device.EventDiscover)[0]
	suite.Require().NotNil(ev.Discovered)
	suite.Equal("180f", ev.Discovered.Advertisement.ServiceUUIDs[0])
}

func (suite *ScannerTestSuite) TestListOrderedBySignal() {
	suite.start(scanner.ScanOptions{})
	suite.session.HandleDiscovery(suite.beacon)
	suite.session.HandleDiscovery(suite.sensor)
	suite.session.HandleDiscovery(suite.watch)

	var ids []device.PeripheralID
	for _, p := range suite.session.List() {
		ids = append(ids, p.ID)
	}
	suite.Equal([]device.PeripheralID{suite.sensor.ID, suite.watch.ID, suite.beacon.ID}, ids)
}

func (suite *ScannerTestSuite) TestFilters() {
	tests := []struct {
		name     string
		opts     scanner.ScanOptions
		caps     []device.Capability
		expected []device.PeripheralID
	}{
		{
			name:     "no filters",
			expected: []device.PeripheralID{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66", "99:88:77:66:55:44"},
		},
		{
			name:     "allow list is case insensitive",
			opts:     scanner.ScanOptions{AllowList: []string{"aa:bb:cc:dd:ee:ff"}},
			expected: []device.PeripheralID{"AA:BB:CC:DD:EE:FF"},
		},
		{
			name:     "block list wins over allow list",
			opts:     scanner.ScanOptions{AllowList: []string{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66"}, BlockList: []string{"11:22:33:44:55:66"}},
			expected: []device.PeripheralID{"AA:BB:CC:DD:EE:FF"},
		},
		{
			name:     "service filter applied when native cannot filter",
			opts:     scanner.ScanOptions{ServiceUUIDs: []string{"0000180F-0000-1000-8000-00805F9B34FB", "1802"}},
			expected: []device.PeripheralID{"AA:BB:CC:DD:EE:FF", "99:88:77:66:55:44"},
		},
		{
			name:     "service filter left to a filtering native stack",
			opts:     scanner.ScanOptions{ServiceUUIDs: []string{"180F"}},
			caps:     []device.Capability{device.CapServiceFilter},
			expected: []device.PeripheralID{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66", "99:88:77:66:55:44"},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			native := testutils.NewFakeNative()
			if tt.caps != nil {
				native.WithCapabilities(tt.caps...)
			}
			session := scanner.NewSession(native, nil, nil, testutils.NewTestLogger())
			suite.Require().NoError(session.Start(context.Background(), tt.opts))
			defer session.Stop()

			for _, s := range []device.Sighting{suite.sensor, suite.watch, suite.beacon} {
				session.HandleDiscovery(s)
			}

			var got []device.PeripheralID
			for _, p := range session.List() {
				got = append(got, p.ID)
			}
			suite.ElementsMatch(tt.expected, got)
		})
	}
}

func (suite *ScannerTestSuite) TestServiceUUIDsForwardedNormalized() {
	suite.start(scanner.ScanOptions{
		ServiceUUIDs:    []string{"0000180D-0000-1000-8000-00805F9B34FB"},
		AllowDuplicates: true,
		Parameters:      map[string]string{"scan_mode": "low_latency"},
	})

	scanning, req := suite.native.IsScanning()
	suite.True(scanning)
	suite.Equal([]string{"180d"}, req.ServiceUUIDs)
	suite.True(req.AllowDuplicates)
	suite.Equal("low_latency", req.Parameters["scan_mode"])
	suite.Zero(req.Duration, "the session MUST own the deadline")
}

func (suite *ScannerTestSuite) TestWaitHonoursContext() {
	suite.start(scanner.ScanOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	suite.ErrorIs(suite.session.Wait(ctx), context.DeadlineExceeded)
	suite.True(suite.session.IsActive())
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}

func TestIdleSessionWaitReturnsImmediately(t *testing.T) {
	s := scanner.NewSession(testutils.NewFakeNative(), nil, nil, nil)
	require.NoError(t, s.Wait(context.Background()))
	require.Empty(t, s.Peripherals())
}
