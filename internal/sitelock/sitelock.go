// Package sitelock guarantees that at most one run of a job touches a site at a time.
package sitelock

import (
	"context"
	"sync"
)

// Locker hands out non-blocking, exclusive per-key locks.
type Locker interface {
	// TryLock returns ok=false without waiting when key is already held.
	// release must be called exactly once when ok is true.
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Key builds the lock key for a job on a site. Reconciliation-family jobs share a key
// so that usage, enforcement and renewal writes never interleave on one site.
func Key(scope, site string) string { return scope + ":" + site }

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*Memory)(nil)

// NewMemory constructs an in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (m *Memory) TryLock(_ context.Context, key string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return nil, false, nil
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}
