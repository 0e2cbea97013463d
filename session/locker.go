package session

import (
	"context"
	"sync"
)

// Locker is a keyed mutex. Each key's lock is created on first use and
// dropped once no goroutine holds or waits for it, so evicted sessions do
// not leak locks.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int // holders plus waiters
}

// NewLocker creates an empty Locker
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is held or ctx is done. The returned unlock func is
// safe to call more than once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.release(key, kl)
		})
	}, nil
}

func (l *Locker) release(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of live keys
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
