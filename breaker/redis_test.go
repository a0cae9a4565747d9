package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestRedisStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	storage := NewRedisStorage(client, WithKeyPrefix("test:"), WithSnapshotTTL(time.Minute))

	empty, err := storage.Load(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, empty.Status)

	opened := time.Date(2024, 1, 1, 12, 0, 0, 123, time.UTC)
	_, err = storage.Update(ctx, "svc", func(Snapshot) (Snapshot, bool) {
		return Snapshot{Status: StatusOpen, Requests: 4, Failures: 3, OpenedAt: opened}, true
	})
	require.NoError(t, err)
	require.True(t, mr.Exists("test:svc"))
	assert.Equal(t, time.Minute, mr.TTL("test:svc"))

	got, err := storage.Load(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, uint32(4), got.Requests)
	assert.Equal(t, uint32(3), got.Failures)
	assert.True(t, opened.Equal(got.OpenedAt))
	assert.True(t, got.WindowStart.IsZero())

	require.NoError(t, storage.Delete(ctx, "svc"))
	assert.False(t, mr.Exists("test:svc"))
}

func TestRedisStorageSkipsWriteWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	storage := NewRedisStorage(client)

	_, err := storage.Update(ctx, "svc", func(s Snapshot) (Snapshot, bool) {
		return s, false
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(defaultKeyPrefix+"svc"))
}

func TestRedisStorageRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	require.NoError(t, mr.Set(defaultKeyPrefix+"svc", "not msgpack"))

	_, err := NewRedisStorage(client).Load(ctx, "svc")
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestBreakerSharedThroughRedis(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	clock := newFakeClock()

	worker1 := newTestBreaker(t, NewRedisStorage(client), clock)
	worker2 := newTestBreaker(t, NewRedisStorage(client), clock)

	worker1.OnFailure(ctx, "svc")
	worker2.OnFailure(ctx, "svc")
	worker1.OnSuccess(ctx, "svc")

	assert.False(t, worker2.IsAvailable(ctx, "svc"))

	clock.Advance(5 * time.Second)
	assert.Equal(t, int64(1), countAllowed(ctx, worker1, "svc", 8)+countAllowed(ctx, worker2, "svc", 8))
}

func TestBreakerKeepsEveryConcurrentOutcome(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	cfg := testConfig()
	cfg.MinimumRequests = 1000
	b, err := New(NewStorage(ctx, client, nil), WithConfig(cfg), WithClock(newFakeClock()))
	require.NoError(t, err)

	const callers = 256
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			b.OnSuccess(ctx, "svc")
		}()
	}
	close(start)
	wg.Wait()

	snap, err := b.State(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, uint32(callers), snap.Requests)
}

func TestRedisStorageContentionHonorsAttemptCap(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	storage := NewRedisStorage(client, WithCASRetries(3))

	attempts := 0
	_, err := storage.Update(ctx, "svc", func(s Snapshot) (Snapshot, bool) {
		attempts++
		// a concurrent writer touches the key between WATCH and EXEC
		require.NoError(t, client.Set(ctx, defaultKeyPrefix+"svc", "x", 0).Err())
		require.NoError(t, client.Del(ctx, defaultKeyPrefix+"svc").Err())

		return s, true
	})
	require.ErrorIs(t, err, ErrContention)
	assert.Equal(t, 3, attempts)
}

func TestBreakerRecordsOutcomeAfterCallerCancels(t *testing.T) {
	_, client := newRedis(t)
	b := newTestBreaker(t, NewRedisStorage(client), newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.OnFailure(ctx, "svc")

	snap, err := b.State(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), snap.Failures)
}

func TestNewStorageProbesRedis(t *testing.T) {
	ctx := context.Background()

	assert.IsType(t, &MemoryStorage{}, NewStorage(ctx, nil, nil))

	mr, client := newRedis(t)
	assert.IsType(t, &FallbackStorage{}, NewStorage(ctx, client, nil))

	mr.Close()
	assert.IsType(t, &MemoryStorage{}, NewStorage(ctx, client, nil))
}

func TestFallbackStorageDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	clock := newFakeClock()

	storage := NewFallbackStorage(NewRedisStorage(client), NewMemoryStorage(), FallbackConfig{
		ConsecutiveFailures: 1,
		RetryAfter:          time.Hour,
	})
	b := newTestBreaker(t, storage, clock)

	b.OnFailure(ctx, "svc")
	require.True(t, mr.Exists(defaultKeyPrefix+"svc"))
	require.False(t, storage.Degraded())

	mr.Close()

	tripOpen(ctx, b)
	assert.True(t, storage.Degraded())
	assert.False(t, b.IsAvailable(ctx, "svc"), "fallback keeps counting")

	snap, err := b.State(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, snap.Status)
}
