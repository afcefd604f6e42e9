package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a crashed holder can block a thread.
const DefaultLockTTL = 30 * time.Second

var (
	releaseScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

	refreshScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)
)

// Locker implements campusflow.Locker with SET NX PX. The lock value is a
// random owner token so only the holder can release or extend it. While held
// the lock is extended every TTL/3.
type Locker struct {
	client backend.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	onLost func(threadID string)
}

type LockerOption func(*Locker)

// WithLockLogger sets the logger used to report failed refreshes
func WithLockLogger(logger *slog.Logger) LockerOption {
	return func(l *Locker) {
		l.logger = logger
	}
}

// WithOnLost registers fn to be called when a held lock turns out to be
// expired or owned by someone else. Refreshing stops at that point.
func WithOnLost(fn func(threadID string)) LockerOption {
	return func(l *Locker) {
		l.onLost = fn
	}
}

// NewLocker creates a locker. A ttl of zero uses DefaultLockTTL.
func NewLocker(client backend.UniversalClient, prefix string, ttl time.Duration, opts ...LockerOption) *Locker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	l := &Locker{client: client, prefix: prefix, ttl: ttl, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) key(threadID string) string {
	return l.prefix + "lock:" + threadID
}

func (l *Locker) TryLock(ctx context.Context, threadID string) (campusflow.UnlockFunc, error) {
	key := l.key(threadID)
	owner := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock: %w", err)
	}
	if !ok {
		return nil, campusflow.ErrConcurrentInvocation
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !l.refresh(threadID, key, owner) {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseScript.Run(context.Background(), l.client, []string{key}, owner)
		})
	}, nil
}

// refresh extends the lock. It returns false once ownership is gone.
func (l *Locker) refresh(threadID, key, owner string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
	defer cancel()
	n, err := refreshScript.Run(ctx, l.client, []string{key}, owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		// the next tick may still succeed before the ttl runs out
		l.logger.Warn("thread lock refresh failed", "thread_id", threadID, "error", err)
		return true
	}
	if n == 1 {
		return true
	}
	l.logger.Error("thread lock lost", "thread_id", threadID, "key", key)
	if l.onLost != nil {
		l.onLost(threadID)
	}
	return false
}
