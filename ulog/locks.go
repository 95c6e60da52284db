package ulog

import (
	"sync"
	"time"
)

// UpdateLocks is a shard-wide read-write lock with a timeout, used to carve
// out quiescent windows for state transitions (BlockUpdates/UnblockUpdates)
// and serialize ordinary mutation ops on its read side.
// It is built on the same waiter-channel idiom as LogFile.WaitForData rather
// than sync.Cond, since sync.Cond has no way to wait with a timeout.
type UpdateLocks struct {
	mu           sync.Mutex
	readers      int
	writeHeld    bool
	readWaiters  map[interface{}]chan struct{}
	writeWaiters map[interface{}]chan struct{}
}

// NewUpdateLocks returns a ready-to-use UpdateLocks.
func NewUpdateLocks() *UpdateLocks {
	return &UpdateLocks{
		readWaiters:  make(map[interface{}]chan struct{}),
		writeWaiters: make(map[interface{}]chan struct{}),
	}
}

// AcquireRead blocks new mutation ops behind any pending or held write lock.
// It returns a release function to call when the caller is done, or
// ErrServiceUnavailable if timeout elapses first. timeout <= 0 means wait
// forever (the DocLockTimeoutMs == 0 default).
func (l *UpdateLocks) AcquireRead(timeout time.Duration) (func(), error) {
	l.mu.Lock()
	if !l.writeHeld && len(l.writeWaiters) == 0 {
		l.readers++
		l.mu.Unlock()
		return func() { l.releaseRead() }, nil
	}
	token := new(int)
	ch := make(chan struct{})
	l.readWaiters[token] = ch
	l.mu.Unlock()

	if !waitOn(ch, timeout) {
		l.mu.Lock()
		delete(l.readWaiters, token)
		l.mu.Unlock()
		return nil, ErrServiceUnavailable
	}
	return func() { l.releaseRead() }, nil
}

func (l *UpdateLocks) releaseRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readers--
	l.wakeWriterIfReadyLocked()
}

// BlockUpdates acquires the write side, blocking until no reader holds the
// lock. It is the primitive state transitions use to pause all concurrent
// Add/Delete/DeleteByQuery calls.
func (l *UpdateLocks) BlockUpdates(timeout time.Duration) error {
	l.mu.Lock()
	if !l.writeHeld && l.readers == 0 {
		l.writeHeld = true
		l.mu.Unlock()
		return nil
	}
	token := new(int)
	ch := make(chan struct{})
	l.writeWaiters[token] = ch
	l.mu.Unlock()

	if !waitOn(ch, timeout) {
		l.mu.Lock()
		delete(l.writeWaiters, token)
		l.mu.Unlock()
		return ErrServiceUnavailable
	}
	return nil
}

// UnblockUpdates releases the write side, waking any readers (and, if none
// are waiting, the next writer) that were blocked behind it.
func (l *UpdateLocks) UnblockUpdates() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeHeld = false
	if len(l.readWaiters) > 0 {
		for token, ch := range l.readWaiters {
			delete(l.readWaiters, token)
			l.readers++
			close(ch)
		}
		return
	}
	l.wakeWriterIfReadyLocked()
}

// wakeWriterIfReadyLocked grants the write lock to one waiting writer if the
// lock is currently free of readers and writers. Caller must hold l.mu.
func (l *UpdateLocks) wakeWriterIfReadyLocked() {
	if l.writeHeld || l.readers != 0 || len(l.writeWaiters) == 0 {
		return
	}
	for token, ch := range l.writeWaiters {
		delete(l.writeWaiters, token)
		l.writeHeld = true
		close(ch)
		return
	}
}

func waitOn(ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
