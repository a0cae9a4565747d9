package breaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultKeyPrefix   = "outbox:breaker:"
	defaultSnapshotTTL = 24 * time.Hour

	casBackoffInitial = time.Millisecond
	casBackoffMax     = 25 * time.Millisecond
)

// RedisStorage shares snapshots between processes through Redis.
// Updates use WATCH/MULTI/EXEC so concurrent writers never overwrite each other.
// A conflicting update is retried with jittered backoff until it applies or
// the context is done.
type RedisStorage struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	casRetries int
}

var _ Storage = (*RedisStorage)(nil)

// RedisOption configures RedisStorage.
type RedisOption func(*RedisStorage)

// WithKeyPrefix sets the key prefix used for snapshots.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStorage) {
		s.prefix = prefix
	}
}

// WithSnapshotTTL sets how long an untouched snapshot is kept.
func WithSnapshotTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStorage) {
		s.ttl = ttl
	}
}

// WithCASRetries caps how many times a conflicting update is attempted.
// Zero, the default, retries until the context is done.
func WithCASRetries(retries int) RedisOption {
	return func(s *RedisStorage) {
		s.casRetries = retries
	}
}

// NewRedisStorage creates a storage over client. The caller owns the client lifecycle.
func NewRedisStorage(client redis.UniversalClient, opts ...RedisOption) *RedisStorage {
	s := &RedisStorage{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    defaultSnapshotTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.casRetries < 0 {
		s.casRetries = 0
	}

	return s
}

// Load implements Storage.
func (s *RedisStorage) Load(ctx context.Context, key string) (Snapshot, error) {
	return s.get(ctx, s.client, s.prefix+key)
}

// Update implements Storage.
func (s *RedisStorage) Update(ctx context.Context, key string, fn UpdateFunc) (Snapshot, error) {
	redisKey := s.prefix + key

	var result Snapshot
	txf := func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, redisKey)
		if err != nil {
			return err
		}

		next, write := fn(current)
		result = next
		if !write {
			return nil
		}

		data, err := encodeSnapshot(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, s.ttl)

			return nil
		})

		return err
	}

	wait := casBackoffInitial
	for attempt := 1; ; attempt++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return Snapshot{}, fmt.Errorf("breaker redis: update %s: %w", key, err)
		}
		if s.casRetries > 0 && attempt >= s.casRetries {
			return Snapshot{}, fmt.Errorf("%w: %s after %d attempts", ErrContention, key, attempt)
		}

		timer := time.NewTimer(wait/2 + rand.N(wait/2+1)) // #nosec G404 -- jitter does not need crypto randomness
		select {
		case <-ctx.Done():
			timer.Stop()

			return Snapshot{}, fmt.Errorf("%w: %s: %w", ErrContention, key, context.Cause(ctx))
		case <-timer.C:
		}
		if wait < casBackoffMax {
			wait *= 2
		}
	}
}

// Delete implements Storage.
func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("breaker redis: delete %s: %w", key, err)
	}

	return nil
}

// Ping checks the Redis connection.
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) get(ctx context.Context, cmd redis.Cmdable, redisKey string) (Snapshot, error) {
	data, err := cmd.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{Status: StatusClosed}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker redis: get %s: %w", redisKey, err)
	}

	return decodeSnapshot(data)
}

type storedSnapshot struct {
	Status         string `msgpack:"s"`
	Requests       uint32 `msgpack:"r"`
	Failures       uint32 `msgpack:"f"`
	WindowStart    int64  `msgpack:"w"`
	OpenedAt       int64  `msgpack:"o"`
	LastFailureAt  int64  `msgpack:"l"`
	ProbeStartedAt int64  `msgpack:"p"`
}

func encodeSnapshot(s Snapshot) ([]byte, error) {
	data, err := msgpack.Marshal(storedSnapshot{
		Status:         string(s.Status),
		Requests:       s.Requests,
		Failures:       s.Failures,
		WindowStart:    unixNano(s.WindowStart),
		OpenedAt:       unixNano(s.OpenedAt),
		LastFailureAt:  unixNano(s.LastFailureAt),
		ProbeStartedAt: unixNano(s.ProbeStartedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("breaker: encode snapshot: %w", err)
	}

	return data, nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var stored storedSnapshot
	if err := msgpack.Unmarshal(data, &stored); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	return Snapshot{
		Status:         Status(stored.Status),
		Requests:       stored.Requests,
		Failures:       stored.Failures,
		WindowStart:    fromUnixNano(stored.WindowStart),
		OpenedAt:       fromUnixNano(stored.OpenedAt),
		LastFailureAt:  fromUnixNano(stored.LastFailureAt),
		ProbeStartedAt: fromUnixNano(stored.ProbeStartedAt),
	}.normalized(), nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}
