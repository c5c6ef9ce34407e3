//go:build !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// Only the CoreBluetooth host is wired; other platforms report the radio as
// unsupported.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("go-ble host on %s: platform not supported", runtime.GOOS)
}
