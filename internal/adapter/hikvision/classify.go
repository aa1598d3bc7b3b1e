package hikvision

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"frankamera/camerad/internal/camerr"
	"frankamera/camerad/internal/device"
)

// classified carries a retry class alongside a transport- or device-level
// failure until the call site wraps it into a ConnectError/OperationError
// with the device identity attached.
type classified struct {
	class camerr.Class
	err   error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

func statusClassified(class camerr.Class, err error) error {
	return &classified{class: class, err: err}
}

// transportError classifies a failed HTTP round trip. Network trouble and
// timeouts are transient; caller cancellation passes through unclassified so
// the dispatcher never retries it.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &classified{class: camerr.Transient, err: err}
}

// statusError classifies a non-2xx ISAPI response. 401 means the device
// rejected the credential; retrying would only lock the account. Other 4xx
// responses mean the device does not support the request. Everything else
// is worth another try.
func statusError(status int) error {
	err := fmt.Errorf("device returned HTTP %d", status)
	switch {
	case status == http.StatusUnauthorized:
		return &classified{class: camerr.AuthFailure, err: err}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return &classified{class: camerr.Transient, err: err}
	case status >= 400 && status < 500:
		return &classified{class: camerr.Permanent, err: err}
	default:
		return &classified{class: camerr.Transient, err: err}
	}
}

func asConnectError(id device.Identity, err error) error {
	var cl *classified
	if errors.As(err, &cl) {
		return &camerr.ConnectError{Device: id, Class: cl.class, Err: cl.err}
	}
	return err
}

func asOperationError(id device.Identity, op string, err error) error {
	var cl *classified
	if errors.As(err, &cl) {
		return &camerr.OperationError{Device: id, Op: op, Class: cl.class, Err: cl.err}
	}
	return err
}
