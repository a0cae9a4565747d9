package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Executor is an open transaction handle (usually *sql.Tx).
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PollOptions controls which entries PollEligible returns.
type PollOptions struct {
	// MessageType restricts the poll to one sink; empty polls both.
	MessageType MessageType
	// Limit caps the number of entries returned (required).
	Limit int
	// MaxRetries excludes entries with RetryCount >= MaxRetries when positive.
	MaxRetries int
}

// StoreMetrics is a snapshot of outbox table health.
type StoreMetrics struct {
	Pending          int64
	Published        int64
	Failed           int64
	OldestPendingAge time.Duration
}

// Saver persists entries inside the caller's transaction.
type Saver interface {
	// SaveAll inserts entries through exec and assigns ID, CreatedAt and
	// SequenceNumber in place. It never opens its own transaction.
	SaveAll(ctx context.Context, exec Executor, entries []Entry) error
}

// Poller returns entries that are due for delivery, oldest sequence first.
type Poller interface {
	PollEligible(ctx context.Context, opts PollOptions) ([]Entry, error)
}

// Marker records delivery outcomes.
type Marker interface {
	// MarkPublished sets PublishedAt on unpublished entries and returns how many changed.
	MarkPublished(ctx context.Context, ids []uuid.UUID, publishedAt time.Time) (int64, error)
	// MarkFailed increments RetryCount and schedules the next attempt.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error
	// MarkDead records a permanent failure by raising RetryCount to at least ceiling.
	MarkDead(ctx context.Context, id uuid.UUID, errMsg string, ceiling int) error
}

// Janitor deletes entries that no longer need to be kept.
type Janitor interface {
	CountPublishedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeletePublishedOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	CountFailedExceedingRetries(ctx context.Context, maxRetries int) (int64, error)
	ListFailedExceedingRetries(ctx context.Context, maxRetries, limit int) ([]Entry, error)
	DeleteFailedExceedingRetries(ctx context.Context, maxRetries, limit int) (int64, error)
	// DeleteDeadLetters deletes the listed entries if they still exceed maxRetries.
	DeleteDeadLetters(ctx context.Context, ids []uuid.UUID, maxRetries int) (int64, error)
}

// MetricsReader reports table health.
type MetricsReader interface {
	Metrics(ctx context.Context) (StoreMetrics, error)
}

// Store is the full persistence contract of the outbox.
// I/O failures returned by a Store wrap ErrPersistence; validation errors are returned as is.
type Store interface {
	Saver
	Poller
	Marker
	Janitor
	MetricsReader
	Ping(ctx context.Context) error
}
