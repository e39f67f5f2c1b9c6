// Package keylock provides mutual exclusion scoped to a key, so that
// operations on one worker or tenant never block unrelated ones.
package keylock

import (
	"context"
	"sync"
)

// Locker hands out one lock per key. Entries are reference counted and
// dropped when the last holder or waiter lets go.
type Locker[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

// entry is held while its 1-slot channel is full.
type entry struct {
	sem  chan struct{}
	refs int
}

// New creates an empty Locker.
func New[K comparable]() *Locker[K] {
	return &Locker[K]{locks: make(map[K]*entry)}
}

// Lock blocks until key is held or ctx ends. On success it returns the
// matching unlock func; on cancellation it returns ctx.Err() and holds nothing.
func (l *Locker[K]) Lock(ctx context.Context, key K) (unlock func(), err error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

func (l *Locker[K]) release(key K, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
