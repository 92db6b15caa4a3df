package ledger

import "sync"

// keyLock serializes work per key. Entries are reference counted and
// removed when the last holder or waiter leaves, so the map only holds
// keys with work in flight.
type keyLock struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{entries: make(map[string]*keyEntry)}
}

// lock blocks until key is free and returns its unlock function.
func (k *keyLock) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of keys with work in flight. Used by tests.
func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// holders returns the number of holders and waiters on key. Used by tests.
func (k *keyLock) holders(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.entries[key]; ok {
		return e.refs
	}
	return 0
}
