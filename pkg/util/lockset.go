package util

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// refMutex is one entry in a LockSet: a mutex plus a count of goroutines
// currently holding or waiting for it, so the entry can be dropped from
// the map as soon as nobody needs it (spec §4.3/§4.4/§9: "Discard the
// entry after release so the map never grows beyond concurrent work").
type refMutex struct {
	mu   sync.Mutex
	refs int
}

// LockSet hands out one mutex per key, used by the RRDP and rsync
// collectors to serialize updates to the same repository or module
// while letting unrelated keys proceed concurrently (spec §5).
type LockSet[K comparable] struct {
	guard   sync.Mutex
	entries *xsync.Map[K, *refMutex]
}

// NewLockSet creates an empty LockSet.
func NewLockSet[K comparable]() *LockSet[K] {
	return &LockSet[K]{entries: xsync.NewMap[K, *refMutex]()}
}

// Acquire blocks until the lock for key is held by the caller and
// returns a release function. Concurrent callers for the same key block
// until the holder releases, then proceed in turn (no re-ordering
// guarantee beyond that).
func (s *LockSet[K]) Acquire(key K) (release func()) {
	s.guard.Lock()
	e, _ := s.entries.LoadOrStore(key, &refMutex{})
	e.refs++
	s.guard.Unlock()

	e.mu.Lock()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		e.mu.Unlock()

		s.guard.Lock()
		e.refs--
		if e.refs == 0 {
			s.entries.Delete(key)
		}
		s.guard.Unlock()
	}
}
