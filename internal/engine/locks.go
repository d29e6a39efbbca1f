// Package engine implements the periodic matching cycle: stop triggers,
// immediate-execution orders, resting-book construction and the
// price-time-priority matching loop.
package engine

import (
	"fmt"
	"sync"

	"github.com/aristath/bourse/internal/domain"
)

// SecurityLocks hands out one exclusive lock per security. Acquisition is
// non-blocking: a contended security is skipped for the current tick rather
// than queued behind, so one stuck book cannot stall the whole cycle.
type SecurityLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewSecurityLocks creates an empty lock registry
func NewSecurityLocks() *SecurityLocks {
	return &SecurityLocks{locks: make(map[int64]*sync.Mutex)}
}

// TryAcquire attempts to take the exclusive lock for a security without
// blocking. A held lock returns a ConcurrencyError.
func (l *SecurityLocks) TryAcquire(securityID int64) error {
	l.mu.Lock()
	lock, ok := l.locks[securityID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[securityID] = lock
	}
	l.mu.Unlock()

	if !lock.TryLock() {
		return &domain.ConcurrencyError{Resource: fmt.Sprintf("security %d", securityID)}
	}
	return nil
}

// Release releases the lock for a security. Releasing an unheld lock is a
// programming error and panics, matching sync.Mutex semantics.
func (l *SecurityLocks) Release(securityID int64) {
	l.mu.Lock()
	lock, ok := l.locks[securityID]
	l.mu.Unlock()
	if ok {
		lock.Unlock()
	}
}
