// Package mutex provides a mutex keyed by an arbitrary comparable value. Waits
// can be bounded by a context, which sync.Mutex cannot do.
package mutex

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex serializes callers per key; callers for different keys never
// block each other. The zero value is ready to use.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	table map[K]*entry
}

// acquire registers interest in key; the entry lives while refs > 0.
func (m *KeyedMutex[K]) acquire(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		m.table = make(map[K]*entry)
	}
	e, ok := m.table[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.table[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex[K]) put(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.table, key)
	}
}

// LockContext blocks until key is locked or ctx is done.
func (m *KeyedMutex[K]) LockContext(ctx context.Context, key K) error {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.put(key, e)
		return ctx.Err()
	}
}

// Unlock releases key. Unlocking a key that is not locked panics.
func (m *KeyedMutex[K]) Unlock(key K) {
	m.mu.Lock()
	e, ok := m.table[key]
	m.mu.Unlock()
	if !ok {
		panic("mutex: unlock of unlocked key")
	}
	select {
	case <-e.ch:
	default:
		panic("mutex: unlock of unlocked key")
	}
	m.put(key, e)
}

// size is the number of keys currently held or waited on.
func (m *KeyedMutex[K]) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
