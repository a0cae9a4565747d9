package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	outbox "github.com/velmie/outbox-dispatch"
)

// Store implements outbox.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config
	queries queries
	table   string
}

var _ outbox.Store = (*Store)(nil)

// New constructs a store for the given dialect.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if !dialect.valid() {
		return nil, ErrDialectRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := TableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		queries: newQueries(table, dialect),
		table:   table,
	}, nil
}

// MustNew constructs a store or panics on error.
func MustNew(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	store, err := New(db, dialect, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Table returns the validated table name.
func (s *Store) Table() string {
	return s.table
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveAll inserts entries through exec, assigning identity fields in place.
// Entries are validated before anything is written.
func (s *Store) SaveAll(ctx context.Context, exec outbox.Executor, entries []outbox.Entry) error {
	if exec == nil {
		return outbox.ErrExecutorRequired
	}
	for i := range entries {
		if err := outbox.ValidateEntry(entries[i], s.cfg.ValidatePayload); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}

	for i := range entries {
		if err := s.insert(ctx, exec, &entries[i]); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) insert(ctx context.Context, exec outbox.Executor, entry *outbox.Entry) error {
	if entry.ID == uuid.Nil {
		id, err := s.cfg.Generator.New()
		if err != nil {
			return fmt.Errorf("outbox sql: generate id failed: %w", err)
		}
		entry.ID = id
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.cfg.Clock.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.PublishedAt = nil
	entry.NextRetryAt = nil
	entry.RetryCount = 0
	entry.LastError = ""

	args := []any{
		entry.ID,
		string(entry.MessageType),
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		string(entry.Payload),
		entry.Topic,
		entry.RoutingKey,
		s.dialect.encodeTime(entry.CreatedAt),
	}

	if s.dialect.Returning {
		if err := exec.QueryRowContext(ctx, s.queries.insert, args...).Scan(&entry.SequenceNumber); err != nil {
			return fmt.Errorf("%w: insert: %w", outbox.ErrPersistence, err)
		}

		return nil
	}

	res, err := exec.ExecContext(ctx, s.queries.insert, args...)
	if err != nil {
		return fmt.Errorf("%w: insert: %w", outbox.ErrPersistence, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: last insert id: %w", outbox.ErrPersistence, err)
	}
	entry.SequenceNumber = seq

	return nil
}

// PollEligible returns unpublished entries whose retry time has passed, in sequence order.
func (s *Store) PollEligible(ctx context.Context, opts outbox.PollOptions) ([]outbox.Entry, error) {
	if opts.Limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	args := []any{s.dialect.encodeTime(s.cfg.Clock.Now())}
	if opts.MessageType != "" {
		args = append(args, string(opts.MessageType))
	}
	if opts.MaxRetries > 0 {
		args = append(args, opts.MaxRetries)
	}
	args = append(args, opts.Limit)

	query := s.queries.poll(opts.MessageType != "", opts.MaxRetries > 0)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: poll: %w", outbox.ErrPersistence, err)
	}

	return scanEntries(rows, s.dialect, opts.Limit)
}

// MarkPublished sets published_at on entries that are still unpublished.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID, publishedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, s.dialect.encodeTime(publishedAt))
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx, s.queries.markPublished(len(ids)), args...)
	if err != nil {
		return 0, fmt.Errorf("%w: mark published: %w", outbox.ErrPersistence, err)
	}

	return rowsAffected(res, "mark published")
}

// MarkFailed increments retry_count, records the error and schedules the next attempt.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.queries.markFailed, errMsg, s.dialect.encodeTime(nextRetryAt), id)
	if err != nil {
		return fmt.Errorf("%w: mark failed: %w", outbox.ErrPersistence, err)
	}

	return nil
}

// MarkDead raises retry_count to at least ceiling so the entry is never polled again.
func (s *Store) MarkDead(ctx context.Context, id uuid.UUID, errMsg string, ceiling int) error {
	_, err := s.db.ExecContext(ctx, s.queries.markDead, ceiling, errMsg, id)
	if err != nil {
		return fmt.Errorf("%w: mark dead: %w", outbox.ErrPersistence, err)
	}

	return nil
}

// CountPublishedOlderThan counts published entries older than cutoff.
func (s *Store) CountPublishedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.count(ctx, s.queries.countPublished, "count published", s.dialect.encodeTime(cutoff))
}

// DeletePublishedOlderThan deletes up to limit published entries older than cutoff.
func (s *Store) DeletePublishedOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, outbox.ErrInvalidBatchSize
	}

	res, err := s.db.ExecContext(ctx, s.queries.deletePublished, s.dialect.encodeTime(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("%w: delete published: %w", outbox.ErrPersistence, err)
	}

	return rowsAffected(res, "delete published")
}

// CountFailedExceedingRetries counts unpublished entries with retry_count >= maxRetries.
func (s *Store) CountFailedExceedingRetries(ctx context.Context, maxRetries int) (int64, error) {
	return s.count(ctx, s.queries.countDead, "count dead", maxRetries)
}

// ListFailedExceedingRetries lists dead-lettered entries, oldest first.
func (s *Store) ListFailedExceedingRetries(ctx context.Context, maxRetries, limit int) ([]outbox.Entry, error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	rows, err := s.db.QueryContext(ctx, s.queries.listDead, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead: %w", outbox.ErrPersistence, err)
	}

	return scanEntries(rows, s.dialect, limit)
}

// DeleteFailedExceedingRetries deletes up to limit dead-lettered entries.
func (s *Store) DeleteFailedExceedingRetries(ctx context.Context, maxRetries, limit int) (int64, error) {
	if limit <= 0 {
		return 0, outbox.ErrInvalidBatchSize
	}

	res, err := s.db.ExecContext(ctx, s.queries.deleteDead, maxRetries, limit)
	if err != nil {
		return 0, fmt.Errorf("%w: delete dead: %w", outbox.ErrPersistence, err)
	}

	return rowsAffected(res, "delete dead")
}

// DeleteDeadLetters deletes the listed entries that still exceed maxRetries.
func (s *Store) DeleteDeadLetters(ctx context.Context, ids []uuid.UUID, maxRetries int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, maxRetries)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx, s.queries.deleteDeadLetters(len(ids)), args...)
	if err != nil {
		return 0, fmt.Errorf("%w: delete dead letters: %w", outbox.ErrPersistence, err)
	}

	return rowsAffected(res, "delete dead letters")
}

// Metrics reports pending, published and failed counts plus the oldest pending age.
func (s *Store) Metrics(ctx context.Context) (outbox.StoreMetrics, error) {
	var m outbox.StoreMetrics
	err := s.db.QueryRowContext(ctx, s.queries.metrics).Scan(&m.Pending, &m.Published, &m.Failed)
	if err != nil {
		return outbox.StoreMetrics{}, fmt.Errorf("%w: metrics: %w", outbox.ErrPersistence, err)
	}
	if m.Pending == 0 {
		return m, nil
	}

	oldest := nullTime{dialect: s.dialect}
	err = s.db.QueryRowContext(ctx, s.queries.oldestPending).Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return m, nil
	case err != nil:
		return outbox.StoreMetrics{}, fmt.Errorf("%w: oldest pending: %w", outbox.ErrPersistence, err)
	}
	if oldest.Valid {
		if age := s.cfg.Clock.Now().Sub(oldest.Time); age > 0 {
			m.OldestPendingAge = age
		}
	}

	return m, nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", outbox.ErrPersistence, err)
	}

	return nil
}

func (s *Store) count(ctx context.Context, query, op string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", outbox.ErrPersistence, op, err)
	}

	return n, nil
}

func rowsAffected(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %s rows affected: %w", outbox.ErrPersistence, op, err)
	}

	return n, nil
}
