package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	outbox "github.com/velmie/outbox-dispatch"
	"github.com/velmie/outbox-dispatch/sqlstore"
)

// ErrLockLost is returned when the session holding a lock is gone.
var ErrLockLost = errors.New("outbox postgres: lock lost")

// Locker hands out session-level advisory locks.
type Locker struct {
	db *sql.DB
}

var _ outbox.Locker = (*Locker)(nil)

// NewLocker creates a Locker on db.
func NewLocker(db *sql.DB) (*Locker, error) {
	if db == nil {
		return nil, sqlstore.ErrDBRequired
	}

	return &Locker{db: db}, nil
}

// LockKey maps a lock name to the advisory lock key.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))

	return int64(h.Sum64())
}

// TryLock acquires name without waiting. It returns outbox.ErrLockHeld when
// another session owns it.
func (l *Locker) TryLock(ctx context.Context, name string) (outbox.Lease, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: lock conn failed: %w", err)
	}

	key := LockKey(name)
	var got bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("outbox postgres: acquire lock failed: %w", err)
	}
	if !got {
		_ = conn.Close()

		return nil, outbox.ErrLockHeld
	}

	return &lease{conn: conn, key: key}, nil
}

type lease struct {
	mu   sync.Mutex
	conn *sql.Conn
	key  int64
}

// Extend checks that the owning session is still alive.
func (l *lease) Extend(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return ErrLockLost
	}
	if err := l.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrLockLost, err)
	}

	return nil
}

func (l *lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	defer func() {
		_ = l.conn.Close()
		l.conn = nil
	}()

	var released bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&released); err != nil {
		return fmt.Errorf("outbox postgres: release lock failed: %w", err)
	}

	return nil
}
