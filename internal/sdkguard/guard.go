// Package sdkguard brackets vendor library global initialization with a
// process-wide reference count. The guard is the only component allowed to
// call vendor init/cleanup entry points: init runs on the 0->1 transition,
// cleanup on 1->0, and both hold the guard mutex so they can never overlap
// an acquire or release from another goroutine.
package sdkguard

import (
	"sync"

	"frankamera/camerad/internal/camerr"
)

type InitFunc func() error
type CleanupFunc func()

type Guard struct {
	mu       sync.Mutex
	refs     int
	inits    int
	cleanups int
	init     InitFunc
	cleanup  CleanupFunc
}

// New builds a guard around the vendor library's global init/cleanup pair.
// Either func may be nil.
func New(init InitFunc, cleanup CleanupFunc) *Guard {
	return &Guard{init: init, cleanup: cleanup}
}

// Acquire increments the reference count, running library initialization on
// the 0->1 transition. If initialization fails the count is rolled back to
// zero and a GuardError is returned; the caller holds no reference.
func (g *Guard) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refs == 0 && g.init != nil {
		if err := g.init(); err != nil {
			return &camerr.GuardError{Err: err}
		}
		g.inits++
	}
	g.refs++
	return nil
}

// Release decrements the reference count, running library cleanup on the
// 1->0 transition. Release without a matching Acquire is ignored; the count
// never goes negative.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refs == 0 {
		return
	}
	g.refs--
	if g.refs == 0 && g.cleanup != nil {
		g.cleanup()
		g.cleanups++
	}
}

// Refs returns the current reference count.
func (g *Guard) Refs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs
}

// InitCount returns how many times library initialization has run.
func (g *Guard) InitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inits
}

// CleanupCount returns how many times library cleanup has run.
func (g *Guard) CleanupCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cleanups
}
