package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Stager records messages in the outbox as part of a business transaction.
type Stager struct {
	saver Saver
}

// NewStager creates a Stager over saver.
func NewStager(saver Saver) *Stager {
	if saver == nil {
		panic("outbox: nil Saver")
	}

	return &Stager{saver: saver}
}

// Stage inserts one entry through exec, which must be an open transaction.
// On error the caller must roll the transaction back.
func (s *Stager) Stage(ctx context.Context, exec Executor, msg Message) (Entry, error) {
	entries, err := s.StageAll(ctx, exec, msg)
	if err != nil {
		return Entry{}, err
	}

	return entries[0], nil
}

// StageAll inserts several entries through exec in order.
func (s *Stager) StageAll(ctx context.Context, exec Executor, msgs ...Message) ([]Entry, error) {
	if exec == nil {
		return nil, ErrExecutorRequired
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	entries := make([]Entry, len(msgs))
	for i, msg := range msgs {
		entries[i] = NewEntry(msg)
	}
	if err := s.saver.SaveAll(ctx, exec, entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// TaskSink returns a TaskSink that stages tasks through exec instead of sending them.
// Tasks are recorded against the given aggregate.
func (s *Stager) TaskSink(exec Executor, aggregateType, aggregateID string) *StagingTaskSink {
	return &StagingTaskSink{
		stager:        s,
		exec:          exec,
		aggregateType: aggregateType,
		aggregateID:   aggregateID,
	}
}

// StagingTaskSink defers task delivery to the outbox.
// It cannot be used as the delivery sink of a Publisher.
type StagingTaskSink struct {
	stager        *Stager
	exec          Executor
	aggregateType string
	aggregateID   string
}

var _ TaskSink = (*StagingTaskSink)(nil)

// SendTask implements TaskSink.
func (s *StagingTaskSink) SendTask(ctx context.Context, route string, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("outbox: encode task: %w", err)
	}

	_, err = s.stager.Stage(ctx, s.exec, Message{
		MessageType:   MessageTypeTask,
		AggregateType: s.aggregateType,
		AggregateID:   s.aggregateID,
		EventType:     task.Type,
		Payload:       payload,
		RoutingKey:    route,
	})

	return err
}

// WithinTx runs fn in a transaction, committing when fn returns nil.
// The transaction is rolled back on error or panic; the panic is re-raised.
func WithinTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrPersistence, err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			_ = tx.Rollback()
			panic(rec)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return errors.Join(err, fmt.Errorf("outbox rollback failed: %w", rollbackErr))
		}

		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}

	return nil
}
