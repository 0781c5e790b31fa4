package locker

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Lock and TryLock after the locker has been stopped.
var ErrStopped = errors.New("locker is stopped")

// TurnBasedLocker is a mutex that grants the lock to waiters in FIFO order.
// Once stopped, it rejects new callers, and it can be used to wait for the current holder to release the lock.
// The zero value is ready to use.
type TurnBasedLocker struct {
	mu sync.Mutex
	// Queue of waiters
	queue []*waiter
	// Whether the lock is currently held
	isLocked bool
	// Whether the locker has been stopped
	stopped bool
	// Closed when the lock is released after the locker was stopped
	drained chan struct{}
}

type waiter struct {
	ch chan struct{}
	// Set when the lock is handed over to this waiter
	granted bool
}

// Lock acquires the lock in FIFO order.
// Blocks until the lock is acquired, the locker is stopped, or the context is canceled.
func (l *TurnBasedLocker) Lock(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}

	if !l.isLocked {
		l.isLocked = true
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	select {
	case <-w.ch:
		l.mu.Lock()
		defer l.mu.Unlock()

		if !w.granted {
			// Woken up by Stop
			return ErrStopped
		}
		if l.stopped {
			// The lock was handed over to us right before the locker was stopped: give it back
			l.releaseLocked()
			return ErrStopped
		}
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()

		if w.granted {
			// Lost the race with Unlock: pass the lock to the next waiter
			l.releaseLocked()
			return ctx.Err()
		}

		var j int
		for i, el := range l.queue {
			if el != w {
				l.queue[j] = l.queue[i]
				j++
			}
		}
		clear(l.queue[j:])
		l.queue = l.queue[:j]

		return ctx.Err()
	}
}

// TryLock acquires the lock only if it's available right away.
// It returns true if the lock was acquired, false if it's already held, and ErrStopped if the locker is stopped.
func (l *TurnBasedLocker) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return false, ErrStopped
	}

	if l.isLocked {
		return false, nil
	}

	l.isLocked = true
	return true, nil
}

// Unlock releases the lock, handing it over to the next waiter if any.
func (l *TurnBasedLocker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isLocked {
		return
	}
	l.releaseLocked()
}

// releaseLocked releases the lock.
// It must be invoked while holding l.mu.
func (l *TurnBasedLocker) releaseLocked() {
	if len(l.queue) > 0 {
		next := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]

		// Next waiter now holds the lock
		next.granted = true
		close(next.ch)
		return
	}

	l.isLocked = false
	if l.drained != nil {
		close(l.drained)
		l.drained = nil
	}
}

// Stop the locker: all waiting callers get ErrStopped, and no one can acquire the lock anymore.
// The current holder, if any, keeps the lock until it calls Unlock.
func (l *TurnBasedLocker) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopLocked()
}

func (l *TurnBasedLocker) stopLocked() {
	l.stopped = true
	for _, w := range l.queue {
		close(w.ch)
	}
	l.queue = nil
}

// StopAndWait stops the locker, then blocks until the current holder (if any) releases the lock.
// After it returns with no error, nothing holds the lock and nothing ever will.
func (l *TurnBasedLocker) StopAndWait(ctx context.Context) error {
	l.mu.Lock()
	l.stopLocked()
	if !l.isLocked {
		l.mu.Unlock()
		return nil
	}
	if l.drained == nil {
		l.drained = make(chan struct{})
	}
	ch := l.drained
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsStopped returns whether the locker has been stopped.
func (l *TurnBasedLocker) IsStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stopped
}

// IsLocked returns true if the lock is currently being held.
func (l *TurnBasedLocker) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.isLocked
}

// QueueLength returns the number of callers waiting for the lock.
func (l *TurnBasedLocker) QueueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.queue)
}
