package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/velmie/outbox-dispatch/logging"
)

const (
	defaultGuardFailures = 3
	defaultGuardTimeout  = 10 * time.Second
)

// FallbackStorage writes to a shared primary storage and degrades to a
// process-local fallback while the primary is failing.
//
// Calls to the primary are guarded by an in-process circuit, so an outage of
// the shared store costs at most a few round-trips before every call goes
// straight to the fallback.
type FallbackStorage struct {
	primary  Storage
	fallback Storage
	guard    *gobreaker.CircuitBreaker
	logger   logging.Logger
}

var _ Storage = (*FallbackStorage)(nil)

// FallbackConfig controls the guard around the primary storage.
type FallbackConfig struct {
	// ConsecutiveFailures trips the guard after this many primary errors in a row.
	ConsecutiveFailures uint32
	// RetryAfter is how long the guard waits before probing the primary again.
	RetryAfter time.Duration
	Logger     logging.Logger
}

// NewFallbackStorage combines primary and fallback.
func NewFallbackStorage(primary, fallback Storage, cfg FallbackConfig) *FallbackStorage {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaultGuardFailures
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = defaultGuardTimeout
	}
	logger := logging.OrNop(cfg.Logger)

	s := &FallbackStorage{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
	s.guard = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "breaker-storage",
		MaxRequests: 1,
		Timeout:     cfg.RetryAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// contention means the primary is alive
			return err == nil || errors.Is(err, ErrContention)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				logger.Warn("breaker shared storage unavailable, using in-process state", "from", from.String())
			case gobreaker.StateClosed:
				logger.Info("breaker shared storage recovered")
			default:
			}
		},
	})

	return s
}

// NewStorage selects a storage with a construction-time health probe.
// A nil or unreachable client yields MemoryStorage; otherwise Redis state is
// used with an in-process fallback.
func NewStorage(ctx context.Context, client redis.UniversalClient, logger logging.Logger, opts ...RedisOption) Storage {
	logger = logging.OrNop(logger)
	memory := NewMemoryStorage()
	if client == nil {
		logger.Info("breaker shared storage not configured, using in-process state")

		return memory
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("breaker shared storage unreachable, using in-process state", "err", err)

		return memory
	}

	return NewFallbackStorage(NewRedisStorage(client, opts...), memory, FallbackConfig{Logger: logger})
}

// Degraded reports whether calls currently bypass the primary storage.
func (s *FallbackStorage) Degraded() bool {
	return s.guard.State() == gobreaker.StateOpen
}

// Load implements Storage.
func (s *FallbackStorage) Load(ctx context.Context, key string) (Snapshot, error) {
	res, err := s.guard.Execute(func() (interface{}, error) {
		return s.primary.Load(ctx, key)
	})
	if err == nil {
		return res.(Snapshot), nil
	}
	s.logPrimaryError("load", key, err)

	return s.fallback.Load(ctx, key)
}

// Update implements Storage.
func (s *FallbackStorage) Update(ctx context.Context, key string, fn UpdateFunc) (Snapshot, error) {
	res, err := s.guard.Execute(func() (interface{}, error) {
		return s.primary.Update(ctx, key, fn)
	})
	if err == nil {
		return res.(Snapshot), nil
	}
	if errors.Is(err, ErrContention) {
		return Snapshot{}, err
	}
	s.logPrimaryError("update", key, err)

	return s.fallback.Update(ctx, key, fn)
}

// Delete implements Storage.
func (s *FallbackStorage) Delete(ctx context.Context, key string) error {
	_, err := s.guard.Execute(func() (interface{}, error) {
		return nil, s.primary.Delete(ctx, key)
	})
	fallbackErr := s.fallback.Delete(ctx, key)
	if err != nil {
		s.logPrimaryError("delete", key, err)
	}

	return fallbackErr
}

func (s *FallbackStorage) logPrimaryError(op, key string, err error) {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Debug("breaker shared storage bypassed", "op", op, "service", key)

		return
	}
	s.logger.Warn("breaker shared storage failed, using in-process state", "op", op, "service", key, "err", err)
}
