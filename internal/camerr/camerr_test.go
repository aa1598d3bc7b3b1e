package camerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"frankamera/camerad/internal/device"
)

var testID = device.Identity{Address: "10.0.0.1", Port: 80, Vendor: "hikvision"}

func TestClassOf(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantClass Class
		wantOK    bool
	}{
		{"connect transient", &ConnectError{Device: testID, Class: Transient, Err: errors.New("refused")}, Transient, true},
		{"connect auth", &ConnectError{Device: testID, Class: AuthFailure, Err: errors.New("401")}, AuthFailure, true},
		{"operation permanent", &OperationError{Device: testID, Op: "move", Class: Permanent, Err: errors.New("no ptz")}, Permanent, true},
		{"guard unclassified", &GuardError{Err: errors.New("init failed")}, Transient, false},
		{"timeout", &TimeoutError{Device: testID, Op: "move", Timeout: time.Second}, Transient, true},
		{"wrapped", fmt.Errorf("submit: %w", &ConnectError{Device: testID, Class: Transient, Err: errors.New("reset")}), Transient, true},
		{"exhausted inherits inner class", &ExhaustedError{Device: testID, Attempts: 4, Err: &ConnectError{Device: testID, Class: Transient, Err: errors.New("down")}}, Transient, true},
		{"plain error unclassified", errors.New("oops"), Transient, false},
		{"cancellation unclassified", context.Canceled, Transient, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, ok := ClassOf(tc.err)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && class != tc.wantClass {
				t.Fatalf("class = %v, want %v", class, tc.wantClass)
			}
		})
	}
}

func TestTimeoutErrorMatchesDeadlineExceeded(t *testing.T) {
	err := fmt.Errorf("attempt: %w", &TimeoutError{Device: testID, Op: "snapshot", Timeout: time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout error to match context.DeadlineExceeded")
	}
}

func TestIdentityOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", &OperationError{Device: testID, Op: "move", Class: Permanent, Err: errors.New("x")})
	id, ok := IdentityOf(err)
	if !ok || id != testID {
		t.Fatalf("expected identity %v, got %v (ok=%v)", testID, id, ok)
	}

	if _, ok := IdentityOf(errors.New("anonymous")); ok {
		t.Fatalf("expected no identity on a plain error")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&ConnectError{Device: testID, Class: Transient, Err: errors.New("reset")}) {
		t.Fatalf("expected transient")
	}
	if IsTransient(&ConnectError{Device: testID, Class: AuthFailure, Err: errors.New("401")}) {
		t.Fatalf("auth failures are not transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Fatalf("unclassified errors are not transient")
	}
}
