package main

import (
	"strings"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	infoAddress = "AA:BB:CC:DD:EE:03"
	nusRX       = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// PeripheralCommandTestSuite covers the commands that connect to a peripheral.
type PeripheralCommandTestSuite struct {
	CommandTestSuite
}

func (s *PeripheralCommandTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.native.WithPeripheral(infoAddress, testutils.NewProfileBuilder().
		WithService("180A").
		WithCharacteristic("2A29", "read", []byte("Acme")...).
		WithCharacteristic("2A24", "read", []byte("HR-1")...))
}

func (s *PeripheralCommandTestSuite) TestInspectJSON() {
	// GOAL: Verify inspect connects, reads RSSI and descriptors and prints the catalog in order
	//
	// TEST SCENARIO: inspect heart-rate peripheral -f json → services in enumeration order, CCCD value read

	out, _, err := s.ExecuteCommand("inspect", TestDeviceAddress1, "-f", "json")
	s.Require().NoError(err, "inspect MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"peripheral": "AA:BB:CC:DD:EE:01",
		"rssi": -42,
		"write_chunk": 20,
		"services": [
			{"uuid": "180d", "name": "Heart Rate", "characteristics": [
				{"uuid": "2a37", "name": "Heart Rate Measurement", "properties": ["notify"],
				 "descriptors": [{"uuid": "2902", "name": "Client Characteristic Configuration", "value": "AAA="}]},
				{"uuid": "2a38", "name": "Body Sensor Location", "properties": ["read"],
				 "descriptors": [{"uuid": "2901"}]}
			]},
			{"uuid": "6e400001b5a3f393e0a9e50e24dcca9e", "name": "Nordic UART Service", "characteristics": [
				{"uuid": "6e400002b5a3f393e0a9e50e24dcca9e"},
				{"uuid": "6e400003b5a3f393e0a9e50e24dcca9e"}
			]}
		]
	}`)
	s.False(s.native.IsConnected(TestDeviceAddress1), "inspect MUST disconnect on exit")
}

func (s *PeripheralCommandTestSuite) TestInspectTree() {
	out, _, err := s.ExecuteCommand("inspect", TestDeviceAddress2, "--mtu", "100")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
Peripheral AA:BB:CC:DD:EE:02
  RSSI: -60 dBm
  Write chunk: 97 bytes

Service Battery Service (180f)
  Characteristic Battery Level (2a19) [read, notify]
    Descriptor Client Characteristic Configuration (2902) = 0000
`)
}

func (s *PeripheralCommandTestSuite) TestInspectUnreachable() {
	_, _, err := s.ExecuteCommand("inspect", "AA:BB:CC:DD:EE:99")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrNativeFailure)
}

func (s *PeripheralCommandTestSuite) TestRead() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"hex", []string{"read", TestDeviceAddress1, "2a38", "--hex"}, "01\n"},
		{"raw", []string{"read", TestDeviceAddress2, "2a19"}, "2\n"},
		{"whole service", []string{"read", TestDeviceAddress2, "--service", "180f", "--hex"}, "32\n"},
		{"multiple", []string{"read", infoAddress, "2a29, 2a24"},
			"Manufacturer Name String (2a29): Acme\nModel Number String (2a24): HR-1\n"},
		{"descriptor", []string{"read", TestDeviceAddress1, "--service", "180d", "--char", "2a37", "--desc", "2902", "--hex"}, "0000\n"},
		{"descriptor with positional characteristic", []string{"read", TestDeviceAddress1, "2a37", "--desc", "2902", "--hex"}, "0000\n"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			out, _, err := s.ExecuteCommand(tt.args...)
			s.Require().NoError(err)
			s.Equal(tt.want, out)
		})
	}
}

func (s *PeripheralCommandTestSuite) TestReadMissingCharacteristic() {
	_, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a19")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrNotFound)
}

func (s *PeripheralCommandTestSuite) TestReadArgumentValidation() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no uuid", []string{"read", TestDeviceAddress1}, "UUID required"},
		{"watch many", []string{"read", TestDeviceAddress1, "2a38,2a37", "--watch"}, "single characteristic"},
		{"bad interval", []string{"read", TestDeviceAddress1, "2a38", "--watch=soon"}, "invalid watch interval"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, _, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.want)
		})
	}
	s.Empty(s.native.Calls(testutils.OpConnect))
}

func (s *PeripheralCommandTestSuite) TestWriteAcknowledged() {
	out, _, err := s.ExecuteCommand("write", TestDeviceAddress1, nusRX, "48:65:6c:6c:6f", "--hex")
	s.Require().NoError(err)
	s.Equal("Write successful (5 bytes, 20-byte chunks)\n", out)

	writes := s.native.Calls(testutils.OpWrite)
	s.Require().Len(writes, 1)
	s.Equal([]byte("Hello"), writes[0].Data)
	s.True(writes[0].Ack, "writes MUST be acknowledged by default")
}

func (s *PeripheralCommandTestSuite) TestWriteWithoutResponseIsChunked() {
	// GOAL: Verify long unacknowledged writes are split at the default chunk size
	//
	// TEST SCENARIO: 45 bytes without response → chunks of 20, 20, 5 without ack

	payload := strings.Repeat("x", 45)
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress1, nusRX, payload, "--without-response")
	s.Require().NoError(err)

	writes := s.native.Calls(testutils.OpWrite)
	s.Require().Len(writes, 3)
	for i, size := range []int{20, 20, 5} {
		s.Len(writes[i].Data, size)
		s.False(writes[i].Ack)
	}
}

func (s *PeripheralCommandTestSuite) TestWriteAfterMTUExchange() {
	out, _, err := s.ExecuteCommand("write", TestDeviceAddress1, nusRX, strings.Repeat("y", 45), "--mtu", "247")
	s.Require().NoError(err)
	s.Equal("Write successful (45 bytes, 244-byte chunks)\n", out)
	s.Len(s.native.Calls(testutils.OpWrite), 1, "negotiated MTU MUST enlarge the chunk")
}

func (s *PeripheralCommandTestSuite) TestWriteDescriptor() {
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "--service", "180d", "--char", "2a37", "--desc", "2902", "0100", "--hex")
	s.Require().NoError(err)
	s.Equal([]byte{0x01, 0x00}, s.native.Value(device.AttributeRef{
		Peripheral: TestDeviceAddress1, Service: "180d", Characteristic: "2a37", Descriptor: "2902",
	}))
}

func (s *PeripheralCommandTestSuite) TestWriteRejected() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"read only", []string{"write", TestDeviceAddress1, "2a38", "01", "--hex"}, "does not support write operations"},
		{"bad hex", []string{"write", TestDeviceAddress1, "2a38", "zz", "--hex"}, "invalid hex data"},
		{"no uuid", []string{"write", TestDeviceAddress1, "01"}, "UUID required"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, _, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.want)
		})
	}
	s.Empty(s.native.Calls(testutils.OpWrite))
}

func (s *PeripheralCommandTestSuite) TestSubscribeStreamsUpdates() {
	// GOAL: Verify subscribe enables notifications and prints sequenced updates as JSON lines
	//
	// TEST SCENARIO: subscribe --count 2 → fake keeps notifying → two lines with seq 1 and 2 → exit

	out, done := s.StartCommand("subscribe", TestDeviceAddress1, "2a37", "--count", "2", "-f", "json")

	var err error
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(waitTimeout)
wait:
	for {
		select {
		case err = <-done:
			break wait
		case <-ticker.C:
			s.native.Notify(TestDeviceAddress1, "180d", "2a37", []byte{0x06, 0x48})
		case <-deadline:
			s.FailNow("subscribe MUST exit after two updates")
		}
	}
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	s.Require().Len(lines, 2)
	ja := testutils.NewJSONAsserter(s.T())
	ja.Assert(lines[0], `{"peripheral": "AA:BB:CC:DD:EE:01", "service": "180d", "characteristic": "2a37", "data": "Bkg=", "seq": 1}`)
	ja.Assert(lines[1], `{"peripheral": "AA:BB:CC:DD:EE:01", "seq": 2}`)

	enables := s.native.Calls(testutils.OpSetNotify)
	s.Require().NotEmpty(enables)
	s.True(enables[0].Enabled)
}

func (s *PeripheralCommandTestSuite) TestSubscribeReportsLostConnection() {
	out, done := s.StartCommand("subscribe", TestDeviceAddress1, "2a37")
	s.Require().Eventually(func() bool { return strings.Contains(out.String(), "Subscribed to 1") },
		waitTimeout, pollTick, "subscription MUST be announced")

	s.native.DropLink(TestDeviceAddress1, "peripheral powered off")

	select {
	case err := <-done:
		s.ErrorIs(err, ErrConnectionLost)
	case <-time.After(waitTimeout):
		s.FailNow("subscribe MUST exit when the link drops")
	}
}

func (s *PeripheralCommandTestSuite) TestSubscribeRequiresNotify() {
	_, _, err := s.ExecuteCommand("subscribe", TestDeviceAddress1, "2a38")
	s.Require().Error(err)
	s.Contains(err.Error(), "does not support notifications")
}

func TestPeripheralCommandTestSuite(t *testing.T) {
	suite.Run(t, new(PeripheralCommandTestSuite))
}
