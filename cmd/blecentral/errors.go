package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still
	// using it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns a session error into a message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var (
		radioErr  *device.RadioError
		stateErr  *device.StateError
		nativeErr *device.NativeError
	)
	switch {
	case errors.As(err, &radioErr):
		return fmt.Sprintf("Bluetooth is %s. Turn it on and try again", radioErr.State)
	case errors.Is(err, device.ErrPermissionDenied):
		return "Bluetooth access is not granted to this program. Allow it in the system settings"
	case errors.Is(err, ErrConnectionLost):
		return "Connection to the peripheral was lost"
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("Operation timed out (%v). Is the peripheral in range?", err)
	case errors.Is(err, device.ErrAlreadyScanning):
		return "A scan is already running"
	case errors.As(err, &stateErr):
		return fmt.Sprintf("Cannot %s while the peripheral is %s", stateErr.Op, stateErr.State)
	case errors.Is(err, device.ErrUnsupported):
		return "This Bluetooth stack does not support the requested operation"
	case errors.As(err, &nativeErr):
		if nativeErr.Err != nil {
			return fmt.Sprintf("Bluetooth stack error during %s: %v", nativeErr.Op, nativeErr.Err)
		}
		return fmt.Sprintf("Bluetooth stack error during %s (%s)", nativeErr.Op, nativeErr.Code)
	case errors.Is(err, device.ErrCancelled):
		return "Operation cancelled because the connection closed"
	default:
		return err.Error()
	}
}
