package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/velmie/outbox-dispatch/logging"
)

const (
	defaultRetention      = 7 * 24 * time.Hour
	defaultSweepBatchSize = 1000
	defaultSweepBatches   = 100
	defaultSweepSchedule  = "@every 1h"
	defaultSweepLockName  = "outbox:sweeper"
)

// SweeperConfig controls removal of published and dead-lettered entries.
type SweeperConfig struct {
	// Retention removes published entries older than now-retention.
	Retention time.Duration
	// MaxRetries is the dead-letter ceiling: unpublished entries at or above it are removed.
	MaxRetries int
	// BatchSize caps the rows deleted per statement.
	BatchSize int
	// MaxBatches caps the statements issued per phase in one sweep.
	MaxBatches int
	// DryRun reports counts without deleting.
	DryRun bool
	// SkipAudit deletes dead letters without listing and logging them first.
	SkipAudit bool
	// Schedule is a cron expression or descriptor used by Run.
	Schedule string
	// Locker, when set, makes sure only one process sweeps at a time.
	Locker   Locker
	LockName string
	Clock    Clock
	Logger   logging.Logger
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Retention == 0 {
		c.Retention = defaultRetention
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultSweepBatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = defaultSweepBatches
	}
	if c.Schedule == "" {
		c.Schedule = defaultSweepSchedule
	}
	if c.LockName == "" {
		c.LockName = defaultSweepLockName
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	c.Logger = logging.OrNop(c.Logger)

	return c
}

// SweepResult reports what one sweep found and removed.
type SweepResult struct {
	PublishedFound   int64
	PublishedDeleted int64
	DeadFound        int64
	DeadDeleted      int64
	DryRun           bool
	// Locked is true when another process held the sweeper lock.
	Locked bool
}

// Sweeper deletes published entries past retention and dead letters past the retry ceiling.
// Its selection criteria never match entries that are still deliverable,
// so it can run alongside relays.
type Sweeper struct {
	janitor  Janitor
	cfg      SweeperConfig
	schedule cron.Schedule
}

// NewSweeper creates a sweeper with defaults applied.
func NewSweeper(janitor Janitor, cfg SweeperConfig) (*Sweeper, error) {
	if janitor == nil {
		return nil, ErrStoreRequired
	}
	cfg = cfg.withDefaults()
	if cfg.Retention < 0 {
		return nil, ErrRetentionInvalid
	}
	if cfg.BatchSize < 0 {
		return nil, ErrInvalidBatchSize
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("outbox sweeper schedule %q: %w", cfg.Schedule, err)
	}

	return &Sweeper{janitor: janitor, cfg: cfg, schedule: schedule}, nil
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	if s.cfg.Locker != nil {
		lease, err := s.cfg.Locker.TryLock(ctx, s.cfg.LockName)
		if errors.Is(err, ErrLockHeld) {
			s.cfg.Logger.Debug("outbox sweeper lock held by another process", "lock", s.cfg.LockName)

			return SweepResult{Locked: true, DryRun: s.cfg.DryRun}, nil
		}
		if err != nil {
			return SweepResult{}, fmt.Errorf("outbox sweeper lock: %w", err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.cfg.Logger.Warn("outbox sweeper release lock failed", "err", err)
			}
		}()
	}

	result := SweepResult{DryRun: s.cfg.DryRun}
	published, err := s.sweepPublished(ctx, &result)
	if err != nil {
		return result, err
	}
	result.PublishedDeleted = published

	dead, err := s.sweepDead(ctx, &result)
	if err != nil {
		return result, err
	}
	result.DeadDeleted = dead

	s.cfg.Logger.Info("outbox sweep finished",
		"published_found", result.PublishedFound,
		"published_deleted", result.PublishedDeleted,
		"dead_found", result.DeadFound,
		"dead_deleted", result.DeadDeleted,
		"dry_run", result.DryRun,
	)

	return result, nil
}

func (s *Sweeper) sweepPublished(ctx context.Context, result *SweepResult) (int64, error) {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.Retention)
	found, err := s.janitor.CountPublishedOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox sweeper count published: %w", err)
	}
	result.PublishedFound = found
	if found == 0 || s.cfg.DryRun {
		return 0, nil
	}

	var deleted int64
	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		n, err := s.janitor.DeletePublishedOlderThan(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return deleted, fmt.Errorf("outbox sweeper delete published: %w", err)
		}
		deleted += n
		if n < int64(s.cfg.BatchSize) {
			break
		}
	}

	return deleted, nil
}

func (s *Sweeper) sweepDead(ctx context.Context, result *SweepResult) (int64, error) {
	found, err := s.janitor.CountFailedExceedingRetries(ctx, s.cfg.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("outbox sweeper count dead letters: %w", err)
	}
	result.DeadFound = found
	if found == 0 || s.cfg.DryRun {
		return 0, nil
	}

	var deleted int64
	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		n, more, err := s.deleteDeadBatch(ctx)
		deleted += n
		if err != nil {
			return deleted, err
		}
		if !more {
			break
		}
	}

	return deleted, nil
}

func (s *Sweeper) deleteDeadBatch(ctx context.Context) (int64, bool, error) {
	if s.cfg.SkipAudit {
		n, err := s.janitor.DeleteFailedExceedingRetries(ctx, s.cfg.MaxRetries, s.cfg.BatchSize)
		if err != nil {
			return 0, false, fmt.Errorf("outbox sweeper delete dead letters: %w", err)
		}

		return n, n >= int64(s.cfg.BatchSize), nil
	}

	entries, err := s.janitor.ListFailedExceedingRetries(ctx, s.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		return 0, false, fmt.Errorf("outbox sweeper list dead letters: %w", err)
	}
	if len(entries) == 0 {
		return 0, false, nil
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		s.cfg.Logger.Warn("outbox dead letter removed",
			"id", entry.ID,
			"type", string(entry.MessageType),
			"aggregate", entry.AggregateType+":"+entry.AggregateID,
			"event", entry.EventType,
			"retries", entry.RetryCount,
			"last_error", entry.LastError,
		)
		ids = append(ids, entry.ID)
	}

	n, err := s.janitor.DeleteDeadLetters(ctx, ids, s.cfg.MaxRetries)
	if err != nil {
		return 0, false, fmt.Errorf("outbox sweeper delete dead letters: %w", err)
	}

	return n, len(entries) >= s.cfg.BatchSize, nil
}

// Run sweeps on the configured schedule until the context is canceled.
// Failed sweeps are logged and retried at the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.cfg.Logger})),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.cfg.Logger.Warn("outbox sweep failed", "err", err)
		}
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	return ctx.Err()
}

// Next returns the next scheduled sweep after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("outbox sweeper scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("outbox sweeper scheduler: "+msg, append(keysAndValues, "err", err)...)
}
