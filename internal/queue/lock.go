package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Lock is a set of named mutexes. Entries live only while someone holds or
// waits on them.
type Lock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLock() *Lock {
	return &Lock{entries: make(map[string]*lockEntry)}
}

// Run calls fn while holding the lock called name. The lock is released when
// fn returns, whatever the outcome.
func (l *Lock) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	e := l.acquireEntry(name)
	defer l.releaseEntry(name)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire lock %q, %w", name, err)
	}
	defer e.sem.Release(1)

	return fn(ctx)
}

// Held reports whether anyone holds or waits for name.
func (l *Lock) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[name]
	return ok
}

func (l *Lock) acquireEntry(name string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[name]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[name] = e
	}
	e.refs++
	return e
}

func (l *Lock) releaseEntry(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[name]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, name)
	}
}
