// Package session owns the per-device connection state machine and the
// serial execution lane. Vendor connection handles are not safe for
// concurrent use, so every command against one device runs on that device's
// lane goroutine in submission order; distinct devices run fully in
// parallel on their own lanes.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"frankamera/camerad/internal/adapter"
	"frankamera/camerad/internal/device"
)

// ErrClosed is returned for work submitted to a session that has been shut
// down or evicted.
var ErrClosed = errors.New("session closed")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Options struct {
	QueueSize int
}

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Session wraps one vendor connection. The connection handle is touched
// only by the lane goroutine; the mutex covers the fields the registry and
// the idle sweep read from outside the lane.
type Session struct {
	log      zerolog.Logger
	identity device.Identity
	cred     device.Credential
	ad       adapter.Adapter

	mu           sync.Mutex
	state        State
	conn         adapter.Conn
	lastActivity time.Time
	pending      int
	closed       bool

	queue    chan *task
	stop     chan struct{}
	laneDone chan struct{}
	stopOnce sync.Once
}

func New(log zerolog.Logger, id device.Identity, cred device.Credential, ad adapter.Adapter, opts Options) *Session {
	qs := opts.QueueSize
	if qs <= 0 {
		qs = 16
	}

	s := &Session{
		log:          log.With().Str("device", id.String()).Logger(),
		identity:     id,
		cred:         cred,
		ad:           ad,
		state:        StateIdle,
		lastActivity: time.Now(),
		queue:        make(chan *task, qs),
		stop:         make(chan struct{}),
		laneDone:     make(chan struct{}),
	}
	go s.lane()
	return s
}

func (s *Session) Identity() device.Identity { return s.identity }

// Adapter returns the vendor binding this session talks through.
func (s *Session) Adapter() adapter.Adapter { return s.ad }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Pending counts commands enqueued but not yet completed.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Do runs fn on the session's serial lane and waits for it to finish.
// Same-session calls execute in submission order and never overlap. A ctx
// cancelled while the command is still queued removes it from the lane
// without any vendor call; a ctx cancelled mid-execution returns
// immediately to the caller while the lane finishes the vendor call on its
// own (bounded by the per-call timeout inside fn).
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending++
	s.lastActivity = time.Now()
	s.mu.Unlock()

	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case s.queue <- t:
	case <-ctx.Done():
		s.finishTask()
		return ctx.Err()
	case <-s.stop:
		s.finishTask()
		return ErrClosed
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) lane() {
	defer close(s.laneDone)
	for {
		select {
		case <-s.stop:
			return
		case t := <-s.queue:
			if err := t.ctx.Err(); err != nil {
				// Cancelled while queued: release the lane slot, no
				// vendor call.
				t.done <- err
			} else {
				t.done <- t.fn(t.ctx)
			}
			s.finishTask()
		}
	}
}

func (s *Session) finishTask() {
	s.mu.Lock()
	s.pending--
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// EnsureConnected connects the session if it is not already Connected.
// Must only be called from inside a Do closure (the lane goroutine).
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected && s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.ad.Connect(ctx, s.identity, s.cred)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateIdle
		return err
	}
	s.conn = conn
	s.state = StateConnected
	return nil
}

// Conn returns the live connection handle. Lane-only, like
// EnsureConnected.
func (s *Session) Conn() adapter.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Teardown disconnects and drops the connection handle, returning the
// session to Idle. Used after a call timeout leaves the handle in an
// unknown state. Lane-only.
func (s *Session) Teardown(ctx context.Context, reason string) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnecting
	s.mu.Unlock()

	if conn != nil {
		s.log.Warn().Str("reason", reason).Msg("tearing down connection")
		s.ad.Disconnect(ctx, conn)
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
}

// MarkFailed flags the session as unusable. The registry evicts Failed
// sessions; the next command for this identity gets a fresh session.
func (s *Session) MarkFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
}

// Close drains in-flight commands (bounded by ctx), stops the lane and
// disconnects. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed {
		// Drain: wait for queued and running commands to finish.
		for s.Pending() > 0 {
			select {
			case <-ctx.Done():
				s.log.Warn().Int("pending", s.Pending()).Msg("drain cut short")
				goto stopLane
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

stopLane:
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.laneDone

	// The lane has exited; the handle has no other users.
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.state != StateFailed {
		s.state = StateDisconnecting
	}
	s.mu.Unlock()

	if conn != nil {
		s.ad.Disconnect(ctx, conn)
	}

	s.mu.Lock()
	if s.state == StateDisconnecting {
		s.state = StateIdle
	}
	s.mu.Unlock()
}
