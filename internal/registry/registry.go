// Package registry owns the set of live device sessions. Sessions are
// created on demand (first command for an identity), evicted when idle or
// failed, and torn down together at shutdown. Creation is serialized per
// identity: concurrent callers for the same device wait for the first
// creator and receive the same session.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/rs/zerolog"

	"frankamera/camerad/internal/adapter"
	"frankamera/camerad/internal/camerr"
	"frankamera/camerad/internal/device"
	"frankamera/camerad/internal/metrics"
	"frankamera/camerad/internal/sdkguard"
	"frankamera/camerad/internal/session"
)

// ErrShutdown is returned for lookups after Shutdown.
var ErrShutdown = errors.New("registry is shut down")

type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	QueueSize     int
}

// DeviceStatus is the observability snapshot for one session.
type DeviceStatus struct {
	Identity     device.Identity `json:"identity"`
	State        string          `json:"state"`
	LastActivity time.Time       `json:"last_activity"`
	Pending      int             `json:"pending"`
}

type entry struct {
	ready chan struct{}
	sess  *session.Session
	err   error
}

type Registry struct {
	log      zerolog.Logger
	adapters map[string]adapter.Adapter
	guard    *sdkguard.Guard
	metrics  *metrics.Metrics
	opts     Options

	mu       sync.Mutex
	sessions map[device.Identity]*entry
	closed   bool
}

func New(log zerolog.Logger, adapters map[string]adapter.Adapter, guard *sdkguard.Guard, m *metrics.Metrics, opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}

	return &Registry{
		log:      log,
		adapters: adapters,
		guard:    guard,
		metrics:  m,
		opts:     opts,
		sessions: make(map[device.Identity]*entry),
	}
}

// GetOrCreate returns the session for id, creating one (and acquiring the
// SDK guard) if none exists. A Failed session is evicted first and replaced
// with a fresh one. Connection establishment itself is driven later by the
// dispatcher on the session lane.
func (r *Registry) GetOrCreate(ctx context.Context, id device.Identity, cred device.Credential) (*session.Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrShutdown
		}

		if e, ok := r.sessions[id]; ok {
			r.mu.Unlock()

			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err != nil {
				// The creator failed; forget the entry and try again.
				r.removeEntry(id, e)
				continue
			}
			if e.sess.State() == session.StateFailed {
				r.evict(ctx, id, e, "failed")
				continue
			}
			return e.sess, nil
		}

		e := &entry{ready: make(chan struct{})}
		r.sessions[id] = e
		r.mu.Unlock()

		sess, err := r.create(id, cred)
		e.sess, e.err = sess, err
		close(e.ready)
		if err != nil {
			r.removeEntry(id, e)
			return nil, err
		}
		return sess, nil
	}
}

func (r *Registry) create(id device.Identity, cred device.Credential) (*session.Session, error) {
	ad, ok := r.adapters[id.Vendor]
	if !ok {
		return nil, &camerr.ConnectError{
			Device: id,
			Class:  camerr.Permanent,
			Err:    fmt.Errorf("no adapter registered for vendor %q", id.Vendor),
		}
	}

	if err := r.guard.Acquire(); err != nil {
		return nil, err
	}

	sess := session.New(r.log, id, cred, ad, session.Options{QueueSize: r.opts.QueueSize})
	r.metrics.IncSessionCreated()
	r.metrics.SetActiveSessions(r.Len())
	r.log.Info().Str("device", id.String()).Msg("session created")
	return sess, nil
}

func (r *Registry) removeEntry(id device.Identity, e *entry) {
	r.mu.Lock()
	if cur, ok := r.sessions[id]; ok && cur == e {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
}

// evict removes the entry, closes its session and releases the guard.
func (r *Registry) evict(ctx context.Context, id device.Identity, e *entry, reason string) {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	e.sess.Close(ctx)
	r.guard.Release()
	r.metrics.IncSessionEvicted(reason)
	r.metrics.SetActiveSessions(r.Len())
	r.log.Info().Str("device", id.String()).Str("reason", reason).Msg("session evicted")
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot lists all current sessions for the observability surface.
func (r *Registry) Snapshot() []DeviceStatus {
	r.mu.Lock()
	entries := make(map[device.Identity]*entry, len(r.sessions))
	for id, e := range r.sessions {
		entries[id] = e
	}
	r.mu.Unlock()

	out := make([]DeviceStatus, 0, len(entries))
	for id, e := range entries {
		select {
		case <-e.ready:
		default:
			continue // still being created
		}
		if e.err != nil {
			continue
		}
		out = append(out, DeviceStatus{
			Identity:     id,
			State:        e.sess.State().String(),
			LastActivity: e.sess.LastActivity(),
			Pending:      e.sess.Pending(),
		})
	}
	return out
}

// EvictIdle disconnects and removes sessions idle beyond threshold, plus
// any session stuck in Failed. Sessions with pending commands are never
// evicted.
func (r *Registry) EvictIdle(ctx context.Context, threshold time.Duration) int {
	type victim struct {
		id     device.Identity
		e      *entry
		reason string
	}

	now := time.Now()
	r.mu.Lock()
	var victims []victim
	for id, e := range r.sessions {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.err != nil {
			continue
		}
		if e.sess.State() == session.StateFailed {
			victims = append(victims, victim{id, e, "failed"})
			continue
		}
		if e.sess.Pending() == 0 && now.Sub(e.sess.LastActivity()) > threshold {
			victims = append(victims, victim{id, e, "idle"})
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.evict(ctx, v.id, v.e, v.reason)
	}
	return len(victims)
}

// Run sweeps idle sessions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	timer := time.NewTimer(r.opts.SweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if n := r.EvictIdle(ctx, r.opts.IdleTimeout); n > 0 {
			r.log.Debug().Int("evicted", n).Msg("idle sweep")
		}
		timer.Reset(r.opts.SweepInterval)
	}
}

// Shutdown drains and disconnects every session unconditionally. The
// registry accepts no lookups afterwards.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := r.sessions
	r.sessions = make(map[device.Identity]*entry)
	r.mu.Unlock()

	for id, e := range remaining {
		select {
		case <-e.ready:
		case <-ctx.Done():
		}
		if e.sess == nil {
			continue
		}
		e.sess.Close(ctx)
		r.guard.Release()
		r.log.Info().Str("device", id.String()).Msg("session closed at shutdown")
	}
	r.metrics.SetActiveSessions(0)
}
