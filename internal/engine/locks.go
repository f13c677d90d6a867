package engine

import "sync"

// keyedLocks serializes access per (userID, missionID) key. The event bus
// already serializes per user, but the sweeper and the claim/reset paths run
// on other goroutines, so the read-modify-write on a progress record still
// needs its own mutual exclusion.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*entry)}
}

// lock acquires the mutex for key and returns its unlock function.
// Entries are reference-counted so the map does not grow unbounded with
// one-off keys.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
