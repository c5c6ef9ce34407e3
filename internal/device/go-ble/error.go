package goble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/blecentral/internal/device"
)

// NormalizeError maps known go-ble error strings to the device error taxonomy.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Errors that match nothing are wrapped as device.NativeError with the raw cause.
func NormalizeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if device.IsTaxonomy(err) {
		return err
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, device.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return device.Cancelled(fmt.Errorf("%s: %v", op, err))
	case strings.Contains(msg, "have="):
		switch state := RadioStateFromError(err); state {
		case device.RadioUnauthorized:
			return fmt.Errorf("%w: %v", device.ErrPermissionDenied, err)
		case device.RadioOn:
			return &device.NativeError{Op: op, Err: err}
		default:
			return &device.RadioError{State: state}
		}
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return &device.RadioError{State: device.RadioOff}
	case containsIgnoreCase(msg, "platform not supported"):
		return &device.RadioError{State: device.RadioUnsupported}
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return &device.NativeError{Op: op, Code: codeDisconnected, Err: err}
	case containsIgnoreCase(msg, "device already connected"):
		return &device.NativeError{Op: op, Code: codeAlreadyConnected, Err: err}
	default:
		return &device.NativeError{Op: op, Err: err}
	}
}

const (
	codeDisconnected     = "disconnected"
	codeAlreadyConnected = "already_connected"
)

// RadioStateFromError derives the radio state from a device creation error.
// CoreBluetooth reports its manager state as "have=N want=5": 2 unsupported,
// 3 unauthorized, 4 powered off, 5 powered on.
func RadioStateFromError(err error) device.RadioState {
	if err == nil {
		return device.RadioOn
	}
	msg := err.Error()
	if i := strings.Index(msg, "have="); i >= 0 {
		rest := msg[i+len("have="):]
		end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
		if end < 0 {
			end = len(rest)
		}
		if n, perr := strconv.Atoi(rest[:end]); perr == nil {
			switch n {
			case 2:
				return device.RadioUnsupported
			case 3:
				return device.RadioUnauthorized
			case 4:
				return device.RadioOff
			case 5:
				return device.RadioOn
			default:
				return device.RadioUnknown
			}
		}
	}
	switch {
	case containsIgnoreCase(msg, "turned off"), containsIgnoreCase(msg, "powered off"):
		return device.RadioOff
	case containsIgnoreCase(msg, "platform not supported"):
		return device.RadioUnsupported
	default:
		return device.RadioUnknown
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
