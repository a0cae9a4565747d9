// Package redislock implements outbox.Locker with redsync mutexes, so relays
// and sweepers in different processes can elect a single active instance.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	outbox "github.com/velmie/outbox-dispatch"
)

const (
	defaultExpiry = 30 * time.Second
	defaultPrefix = "outbox:lock:"
)

var (
	// ErrClientRequired is returned when no Redis client is provided.
	ErrClientRequired = errors.New("outbox redis lock: client is required")
	// ErrNameRequired is returned for an empty lock name.
	ErrNameRequired = errors.New("outbox redis lock: name is required")
	// ErrLockLost is returned when a lease expired or was taken over.
	ErrLockLost = errors.New("outbox redis lock: lock lost")
)

// Config defines lock keys and lifetime.
type Config struct {
	// Prefix is prepended to every lock name.
	Prefix string
	// Expiry is how long a lease survives without Extend.
	Expiry time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.Expiry <= 0 {
		c.Expiry = defaultExpiry
	}

	return c
}

// Locker hands out redsync mutexes.
type Locker struct {
	rs  *redsync.Redsync
	cfg Config
}

var _ outbox.Locker = (*Locker)(nil)

// New creates a Locker on client.
func New(client redis.UniversalClient, cfg Config) (*Locker, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &Locker{
		rs:  redsync.New(goredis.NewPool(client)),
		cfg: cfg.withDefaults(),
	}, nil
}

// TryLock makes a single acquisition attempt. It returns outbox.ErrLockHeld
// when another holder owns name.
func (l *Locker) TryLock(ctx context.Context, name string) (outbox.Lease, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNameRequired
	}

	mutex := l.rs.NewMutex(
		l.cfg.Prefix+name,
		redsync.WithExpiry(l.cfg.Expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, outbox.ErrLockHeld
		}

		return nil, fmt.Errorf("outbox redis lock: acquire %s: %w", name, err)
	}

	return &lease{mutex: mutex}, nil
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken

	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken)
}

type lease struct {
	mutex *redsync.Mutex
}

// Extend pushes the expiry forward by the configured lifetime.
func (l *lease) Extend(ctx context.Context) error {
	ok, err := l.mutex.ExtendContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLockLost, err)
	}
	if !ok {
		return ErrLockLost
	}

	return nil
}

func (l *lease) Release(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("outbox redis lock: release %s: %w", l.mutex.Name(), err)
	}
	if !ok {
		return ErrLockLost
	}

	return nil
}
