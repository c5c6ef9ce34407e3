package device

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure surfaced by the session manager matches
// exactly one of these sentinels with errors.Is.
var (
	ErrRadioUnavailable = errors.New("radio unavailable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidState     = errors.New("invalid state")
	ErrTimeout          = errors.New("timeout")
	ErrCancelled        = errors.New("cancelled")
	ErrNativeFailure    = errors.New("native failure")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyScanning  = errors.New("already scanning")
)

// ErrUnsupported is returned when the native stack lacks an optional
// capability or the attribute does not support the requested operation.
// It matches ErrNativeFailure.
var ErrUnsupported = &NativeError{Op: "capability", Code: "unsupported"}

// NotFoundError represents an error when a GATT resource is absent from the
// enumerated catalog.
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor", "peripheral"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parent := "service"
	if e.Resource == "descriptor" {
		parent = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parent, e.UUIDs[len(e.UUIDs)-2])
}

// Is makes NotFoundError match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StateError reports a command that is illegal in the current connection state.
type StateError struct {
	Op    string
	State ConnectionState
}

func (e *StateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s not allowed while %s", ErrInvalidState, e.Op, e.State)
}

// Is makes StateError match ErrInvalidState.
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// RadioError reports that the radio is not powered on.
type RadioError struct {
	State RadioState
}

func (e *RadioError) Error() string {
	return fmt.Sprintf("%s: bluetooth is %s", ErrRadioUnavailable, e.State)
}

// Is makes RadioError match ErrRadioUnavailable.
func (e *RadioError) Is(target error) bool {
	return target == ErrRadioUnavailable
}

// NativeError is an opaque failure of the native radio stack, surfaced with
// its raw code and never retried automatically.
type NativeError struct {
	Op   string
	Code string
	Err  error
}

func (e *NativeError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrNativeFailure, e.Op)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying native error.
func (e *NativeError) Unwrap() error {
	return e.Err
}

// Is makes NativeError match ErrNativeFailure, and two NativeErrors match
// when their codes are equal.
func (e *NativeError) Is(target error) bool {
	if target == ErrNativeFailure {
		return true
	}
	t, ok := target.(*NativeError)
	if !ok {
		return false
	}
	return t.Code != "" && e.Code == t.Code
}

// WrapNative wraps err as a NativeError unless it already belongs to the
// taxonomy.
func WrapNative(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTaxonomy(err) {
		return err
	}
	return &NativeError{Op: op, Err: err}
}

// IsTaxonomy reports whether err matches one of the taxonomy sentinels.
func IsTaxonomy(err error) bool {
	for _, sentinel := range []error{
		ErrRadioUnavailable, ErrPermissionDenied, ErrInvalidState, ErrTimeout,
		ErrCancelled, ErrNativeFailure, ErrNotFound, ErrAlreadyScanning,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Cancelled wraps a cause as ErrCancelled while keeping the cause visible.
func Cancelled(cause error) error {
	if cause == nil || errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}
