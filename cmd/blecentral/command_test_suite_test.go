package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test peripheral addresses for consistent fake peripheral identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:02"

	waitTimeout = 2 * time.Second
	pollTick    = 5 * time.Millisecond
)

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a FakeNative in place of the
// go-ble stack. All cmd/blecentral suites embed it.
type CommandTestSuite struct {
	suite.Suite
	native        *testutils.FakeNative
	restoreNative func(*logrus.Logger) device.Native
}

func (s *CommandTestSuite) SetupTest() {
	s.native = testutils.NewFakeNative().
		WithPeripheral(TestDeviceAddress1, testutils.HeartRateProfile().WithRSSI(-42)).
		WithPeripheral(TestDeviceAddress2, testutils.BatteryProfile())
	s.restoreNative = newNative
	native := s.native
	newNative = func(*logrus.Logger) device.Native { return native }
}

func (s *CommandTestSuite) TearDownTest() {
	newNative = s.restoreNative
}

// ExecuteCommand runs the command line on a fresh command tree and returns
// stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	out, errOut := &syncBuffer{}, &syncBuffer{}
	err := s.execute(out, errOut, args...)
	return out.String(), errOut.String(), err
}

// StartCommand runs the command line in the background. The returned channel
// yields the command error once it exits.
func (s *CommandTestSuite) StartCommand(args ...string) (*syncBuffer, <-chan error) {
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- s.execute(out, &syncBuffer{}, args...) }()
	return out, done
}

func (s *CommandTestSuite) execute(out, errOut *syncBuffer, args ...string) error {
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetArgs(args)
	return root.Execute()
}

// WaitScanning blocks until the fake stack reports a running scan.
func (s *CommandTestSuite) WaitScanning() {
	s.Require().Eventually(func() bool {
		scanning, _ := s.native.IsScanning()
		return scanning
	}, waitTimeout, pollTick, "scan MUST start")
}

// WriteConfig writes a YAML config into a temp dir and returns its path.
func (s *CommandTestSuite) WriteConfig(yaml string) string {
	path := filepath.Join(s.T().TempDir(), "blecentral.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(yaml), 0o600))
	return path
}
