// Package camerr defines the error taxonomy shared by the camera core.
// Every error carries the originating device identity so callers can report
// per-device status without reaching into session state, and every error is
// classified so the dispatcher can decide whether to retry.
package camerr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"frankamera/camerad/internal/device"
)

// Class drives the retry policy. Transient failures are retried, everything
// else surfaces immediately.
type Class int

const (
	Transient Class = iota
	Permanent
	AuthFailure
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case AuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// ConnectError reports a failed connect/login against a device.
type ConnectError struct {
	Device device.Identity
	Class  Class
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Device, e.Class, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// OperationError reports a vendor call that failed after a successful
// connection. Op is the operation name ("move", "snapshot", ...).
type OperationError struct {
	Device device.Identity
	Op     string
	Class  Class
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Device, e.Class, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// GuardError means SDK library initialization itself failed. Fatal at
// process scope; the guard counter is rolled back before this surfaces.
type GuardError struct {
	Err error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("sdk init failed: %v", e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }

// TimeoutError means a vendor call exceeded its per-call bound. Always
// Transient; the associated connection handle is torn down because its
// post-timeout state is unknown.
type TimeoutError struct {
	Device  device.Identity
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Op, e.Device, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// ExhaustedError is the terminal error returned once the retry budget for a
// transient failure is spent. Attempts counts every attempt, including the
// first one.
type ExhaustedError struct {
	Device   device.Identity
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Device, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ClassOf walks the error chain and returns the retry class. Unclassified
// errors (context cancellation, programming errors) report ok=false and are
// never retried.
func ClassOf(err error) (Class, bool) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Class, true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return Transient, true
	}
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return ClassOf(ee.Err)
	}
	return 0, false
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == Transient
}

// IdentityOf extracts the device identity an error originated from.
func IdentityOf(err error) (device.Identity, bool) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Device, true
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Device, true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Device, true
	}
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return ee.Device, true
	}
	return device.Identity{}, false
}
