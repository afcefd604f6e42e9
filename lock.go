package campusflow

import (
	"context"
	"sync"
)

// UnlockFunc releases a thread lock. It is safe to call more than once.
type UnlockFunc func()

// Locker is an advisory lock keyed by thread id. TryLock never blocks: it
// returns ErrConcurrentInvocation when another invocation holds the thread.
type Locker interface {
	TryLock(ctx context.Context, threadID string) (UnlockFunc, error)
}

// LocalLocker serializes invocations within a single process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]struct{}{}}
}

func (l *LocalLocker) TryLock(ctx context.Context, threadID string) (UnlockFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[threadID]; busy {
		return nil, ErrConcurrentInvocation
	}
	l.held[threadID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, threadID)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether the thread is currently locked
func (l *LocalLocker) Held(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[threadID]
	return busy
}
