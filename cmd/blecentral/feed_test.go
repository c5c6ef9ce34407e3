package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/central"
	"github.com/srg/blecentral/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFeedManager(t *testing.T) (*testutils.FakeNative, *central.Manager, *httptest.Server) {
	t.Helper()
	native := testutils.NewFakeNative().
		WithPeripheral(TestDeviceAddress1, testutils.HeartRateProfile())
	logger := testutils.NewTestLogger()
	m := central.New(native, central.Options{Logger: logger})
	require.NoError(t, m.Start(context.Background()))

	srv := httptest.NewServer(feedRoutes(m, logger))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = m.Close(ctx)
	})
	return native, m, srv
}

func TestFeedPeripheralsSnapshot(t *testing.T) {
	// GOAL: Verify /peripherals serves the current scan results as JSON
	//
	// TEST SCENARIO: Scan until stopped → one sighting → GET /peripherals → one entry

	native, m, srv := startFeedManager(t)
	require.NoError(t, m.Scan(context.Background(), scanner.ScanOptions{}))
	native.Discover(testutils.NewSightingBuilder().
		WithAddress(TestDeviceAddress1).WithName("HRM").WithRSSI(-50).WithServices("180D").Build())
	require.Eventually(t, func() bool { return len(m.DiscoveredPeripherals()) == 1 }, waitTimeout, pollTick)

	resp, err := http.Get(srv.URL + "/peripherals")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	testutils.NewJSONAsserter(t).Assert(string(body), `[
		{"id": "AA:BB:CC:DD:EE:01", "name": "HRM", "rssi": -50}
	]`)
}

func TestFeedStreamsNotificationsOfConnectedPeripheral(t *testing.T) {
	// GOAL: Verify --connect enables every notifying characteristic and updates reach feed clients
	//
	// TEST SCENARIO: enableNotifications → dial /events?kind=notification → peripheral notifies → client receives it

	native, m, srv := startFeedManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, enableNotifications(ctx, m, TestDeviceAddress1, testutils.NewTestLogger()))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?kind=notification"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// keep notifying until the client subscription is in place
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				native.Notify(TestDeviceAddress1, "180d", "2a37", []byte{0x06, 0x48})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "a notification MUST reach the feed client")

	var msg struct {
		Kind         device.EventKind         `json:"kind"`
		Peripheral   device.PeripheralID      `json:"peripheral"`
		Notification *device.NotificationData `json:"notification"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, device.EventNotification, msg.Kind)
	assert.Equal(t, device.PeripheralID(TestDeviceAddress1), msg.Peripheral)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "2a37", msg.Notification.Characteristic)
	assert.Equal(t, []byte{0x06, 0x48}, msg.Notification.Data)
}
