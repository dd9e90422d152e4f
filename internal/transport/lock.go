package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	ncerr "arforward/internal/errors"
)

// Lock guards the outbound socket.  Acquire blocks until the lock is
// held or ctx ends; Release fails when the lock is not held.  Both
// failures match errors.ErrLockFailure.
type Lock interface {
	Acquire(ctx context.Context) error
	Release() error
}

// SemaphoreLock is a context-aware mutex built on a weight-1 semaphore.
type SemaphoreLock struct {
	sem  *semaphore.Weighted
	held atomic.Bool
}

// NewLock returns an unlocked SemaphoreLock.
func NewLock() *SemaphoreLock {
	return &SemaphoreLock{sem: semaphore.NewWeighted(1)}
}

// Acquire takes the lock.
func (l *SemaphoreLock) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: acquire: %v", ncerr.ErrLockFailure, err)
	}
	l.held.Store(true)
	return nil
}

// Release gives the lock back.
func (l *SemaphoreLock) Release() error {
	if !l.held.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: release of unheld lock", ncerr.ErrLockFailure)
	}
	l.sem.Release(1)
	return nil
}
