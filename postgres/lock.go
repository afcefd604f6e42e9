package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"

	"github.com/dingyuana/campusflow"
)

// Locker implements campusflow.Locker with session-level advisory locks.
// Each held lock pins one pooled connection until it is released.
type Locker struct {
	db *sql.DB
}

func NewLocker(db *sql.DB) *Locker {
	return &Locker{db: db}
}

func (l *Locker) TryLock(ctx context.Context, threadID string) (campusflow.UnlockFunc, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, threadID).Scan(&ok); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres: try advisory lock: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, campusflow.ErrConcurrentInvocation
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the lock dies with the session if the unlock fails
			if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, threadID); err != nil {
				conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			conn.Close()
		})
	}, nil
}
