package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"frankamera/camerad/internal/adapter"
	"frankamera/camerad/internal/device"
	"frankamera/camerad/internal/sdkguard"
	"frankamera/camerad/internal/session"
)

type fakeConn struct{}

func (fakeConn) Vendor() string { return "fake" }

type fakeAdapter struct{}

func (fakeAdapter) Vendor() string { return "fake" }

func (fakeAdapter) Connect(ctx context.Context, id device.Identity, cred device.Credential) (adapter.Conn, error) {
	return fakeConn{}, nil
}

func (fakeAdapter) Disconnect(ctx context.Context, conn adapter.Conn) {}

func (fakeAdapter) MoveToPosition(ctx context.Context, conn adapter.Conn, p adapter.MoveParams) error {
	return nil
}

func (fakeAdapter) CapturePicture(ctx context.Context, conn adapter.Conn, p adapter.SnapshotParams) (*adapter.Snapshot, error) {
	return nil, nil
}

func (fakeAdapter) StartStream(ctx context.Context, conn adapter.Conn, p adapter.StreamParams) (*adapter.StreamHandle, error) {
	return nil, nil
}

func (fakeAdapter) StopStream(ctx context.Context, conn adapter.Conn, h *adapter.StreamHandle) error {
	return nil
}

func (fakeAdapter) SearchRecordings(ctx context.Context, conn adapter.Conn, p adapter.SearchParams) ([]adapter.RecordingSegment, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *sdkguard.Guard) {
	t.Helper()
	guard := sdkguard.New(func() error { return nil }, func() {})
	r := New(zerolog.Nop(), map[string]adapter.Adapter{"fake": fakeAdapter{}}, guard, nil, opts)
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r, guard
}

func ident(addr string) device.Identity {
	return device.Identity{Address: addr, Port: 80, Vendor: "fake"}
}

var cred = device.Credential{Username: "admin", Secret: "secret"}

func TestGetOrCreate_ConcurrentCallersShareOneSession(t *testing.T) {
	r, guard := newTestRegistry(t, Options{})
	id := ident("10.0.0.1")

	const n = 16
	sessions := make([]*session.Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), id, cred)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			sessions[i] = s
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
	if guard.Refs() != 1 {
		t.Fatalf("expected 1 guard ref, got %d", guard.Refs())
	}
	if guard.InitCount() != 1 {
		t.Fatalf("expected exactly one init, got %d", guard.InitCount())
	}
}

func TestGetOrCreate_UnknownVendorFails(t *testing.T) {
	r, guard := newTestRegistry(t, Options{})

	_, err := r.GetOrCreate(context.Background(), device.Identity{Address: "10.0.0.2", Port: 80, Vendor: "nosuch"}, cred)
	if err == nil {
		t.Fatalf("expected error for unregistered vendor")
	}
	if r.Len() != 0 {
		t.Fatalf("expected no session, got %d", r.Len())
	}
	if guard.Refs() != 0 {
		t.Fatalf("expected no guard refs after failure, got %d", guard.Refs())
	}

	// A later lookup for the same identity is not poisoned by the failure.
	_, err = r.GetOrCreate(context.Background(), device.Identity{Address: "10.0.0.2", Port: 80, Vendor: "nosuch"}, cred)
	if err == nil {
		t.Fatalf("expected error on retry too")
	}
}

func TestGetOrCreate_ReplacesFailedSession(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	id := ident("10.0.0.3")

	first, err := r.GetOrCreate(context.Background(), id, cred)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	first.MarkFailed()

	second, err := r.GetOrCreate(context.Background(), id, cred)
	if err != nil {
		t.Fatalf("GetOrCreate after failure: %v", err)
	}
	if second == first {
		t.Fatalf("expected a fresh session to replace the failed one")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
}

func TestEvictIdle_SkipsBusyAndFreshSessions(t *testing.T) {
	r, guard := newTestRegistry(t, Options{})
	idleID, busyID := ident("10.0.1.1"), ident("10.0.1.2")

	if _, err := r.GetOrCreate(context.Background(), idleID, cred); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	busy, err := r.GetOrCreate(context.Background(), busyID, cred)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// Park a command on the busy session so Pending stays nonzero.
	release := make(chan struct{})
	started := make(chan struct{})
	go busy.Do(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	time.Sleep(20 * time.Millisecond)
	if n := r.EvictIdle(context.Background(), 10*time.Millisecond); n != 1 {
		t.Fatalf("expected exactly the idle session evicted, got %d", n)
	}
	if r.Len() != 1 {
		t.Fatalf("expected busy session to survive, got %d sessions", r.Len())
	}
	if guard.Refs() != 1 {
		t.Fatalf("expected eviction to release its guard ref, got %d", guard.Refs())
	}

	close(release)

	// Fresh activity protects a session even with nothing pending.
	if n := r.EvictIdle(context.Background(), time.Hour); n != 0 {
		t.Fatalf("expected no eviction under a long threshold, got %d", n)
	}
}

func TestEvictIdle_AlwaysRemovesFailedSessions(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	id := ident("10.0.2.1")

	s, err := r.GetOrCreate(context.Background(), id, cred)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s.MarkFailed()

	if n := r.EvictIdle(context.Background(), time.Hour); n != 1 {
		t.Fatalf("expected failed session evicted regardless of threshold, got %d", n)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestShutdown_ReleasesEveryGuardRef(t *testing.T) {
	r, guard := newTestRegistry(t, Options{})

	for _, addr := range []string{"10.0.3.1", "10.0.3.2", "10.0.3.3"} {
		if _, err := r.GetOrCreate(context.Background(), ident(addr), cred); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", addr, err)
		}
	}
	if guard.Refs() != 3 {
		t.Fatalf("expected 3 guard refs, got %d", guard.Refs())
	}

	r.Shutdown(context.Background())

	if guard.Refs() != 0 {
		t.Fatalf("expected all guard refs released, got %d", guard.Refs())
	}
	if guard.CleanupCount() != 1 {
		t.Fatalf("expected exactly one cleanup, got %d", guard.CleanupCount())
	}

	if _, err := r.GetOrCreate(context.Background(), ident("10.0.3.4"), cred); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestSnapshot_ReportsLiveSessions(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	id := ident("10.0.4.1")

	if _, err := r.GetOrCreate(context.Background(), id, cred); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 status, got %d", len(snap))
	}
	if snap[0].Identity != id {
		t.Fatalf("expected identity %v, got %v", id, snap[0].Identity)
	}
	if snap[0].State != "idle" {
		t.Fatalf("expected idle state before any command, got %q", snap[0].State)
	}
}
