package admission

import (
	"context"
	"sync"
)

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (m *KeyedMutex) acquireEntry(key string) *keyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) releaseEntry(key string, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *KeyedMutex) unlocker(key string, e *keyedEntry) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.releaseEntry(key, e)
		})
	}
}

// TryLock implements Locker.
func (m *KeyedMutex) TryLock(_ context.Context, key string) (Unlock, error) {
	e := m.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return m.unlocker(key, e), nil
	default:
		m.releaseEntry(key, e)
		return nil, ErrLockHeld
	}
}

// Lock implements Locker. A done ctx yields ErrLockTimeout.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	e := m.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return m.unlocker(key, e), nil
	case <-ctx.Done():
		m.releaseEntry(key, e)
		return nil, ErrLockTimeout
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

var _ Locker = (*KeyedMutex)(nil)
