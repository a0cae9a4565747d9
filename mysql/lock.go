package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	outbox "github.com/velmie/outbox-dispatch"
	"github.com/velmie/outbox-dispatch/sqlstore"
)

// ErrLockLost is returned when the session holding a lock is gone.
var ErrLockLost = errors.New("outbox mysql: lock lost")

// Locker hands out named session locks via GET_LOCK.
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

// TryLock acquires name without waiting. It returns outbox.ErrLockHeld when
// another session owns it.
func (l *Locker) TryLock(ctx context.Context, name string) (outbox.Lease, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: lock conn failed: %w", err)
	}

	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", name).Scan(&got); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("outbox mysql: acquire lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		_ = conn.Close()

		return nil, outbox.ErrLockHeld
	}

	return &lease{conn: conn, name: name}, nil
}

// lease pins the connection that owns the lock; the lock dies with the session.
type lease struct {
	mu   sync.Mutex
	conn *sql.Conn
	name string
}

func (l *lease) Extend(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return ErrLockLost
	}

	var held sql.NullInt64
	err := l.conn.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?) = CONNECTION_ID()", l.name).Scan(&held)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLockLost, err)
	}
	if !held.Valid || held.Int64 == 0 {
		return ErrLockLost
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

	var released sql.NullInt64
	if err := l.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name).Scan(&released); err != nil {
		return fmt.Errorf("outbox mysql: release lock failed: %w", err)
	}

	return nil
}
