package concurrent

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. Different keys never block each other.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{} // buffered(1): holding the token means holding the lock
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{locks: make(map[K]*keyedEntry)}
}

func (m *KeyedMutex[K]) acquire(key K) *keyedEntry {
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

func (m *KeyedMutex[K]) release(key K, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock waits until key is free or ctx is done. The returned func releases the lock.
func (m *KeyedMutex[K]) Lock(ctx context.Context, key K) (func(), error) {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return m.unlockFunc(key, e), nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}

// TryLock takes the lock for key only if it is free
func (m *KeyedMutex[K]) TryLock(key K) (func(), bool) {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return m.unlockFunc(key, e), true
	default:
		m.release(key, e)
		return nil, false
	}
}

func (m *KeyedMutex[K]) unlockFunc(key K, e *keyedEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}
}
