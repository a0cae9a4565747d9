// Package storetest checks that an outbox.Store honors the delivery contract.
// Dialect packages run it against a real database.
package storetest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	outbox "github.com/velmie/outbox-dispatch"
)

// BaseTime is the initial time of the Clock handed to the factory.
var BaseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to BaseTime.
func NewClock() *Clock {
	return &Clock{now: BaseTime}
}

// Now implements outbox.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory returns an empty store using clock and the database it writes to.
type Factory func(t *testing.T, clock outbox.Clock) (outbox.Store, *sql.DB)

// Run executes the contract suite.
func Run(t *testing.T, factory Factory) {
	t.Run("save and poll in sequence order", func(t *testing.T) { testSaveAndPoll(t, factory) })
	t.Run("rollback discards entries", func(t *testing.T) { testRollback(t, factory) })
	t.Run("published entries are never polled", func(t *testing.T) { testPublishedGuard(t, factory) })
	t.Run("failed entries wait for retry time", func(t *testing.T) { testRetrySchedule(t, factory) })
	t.Run("dead letter boundary", func(t *testing.T) { testDeadLetterBoundary(t, factory) })
	t.Run("janitor", func(t *testing.T) { testJanitor(t, factory) })
	t.Run("metrics", func(t *testing.T) { testMetrics(t, factory) })
}

// Event builds an unsaved event entry.
func Event(aggregateID, eventType string) outbox.Entry {
	return outbox.NewEntry(outbox.Message{
		MessageType:   outbox.MessageTypeEvent,
		AggregateType: "Article",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       json.RawMessage(`{"title":"hello"}`),
		Topic:         "articles",
	})
}

// Save stages entries in one committed transaction.
func Save(t *testing.T, store outbox.Saver, db *sql.DB, entries ...outbox.Entry) []outbox.Entry {
	t.Helper()

	err := outbox.WithinTx(context.Background(), db, func(ctx context.Context, tx *sql.Tx) error {
		return store.SaveAll(ctx, tx, entries)
	})
	require.NoError(t, err)

	return entries
}

func testSaveAndPoll(t *testing.T, factory Factory) {
	ctx := context.Background()
	store, db := factory(t, NewClock())

	task := outbox.NewEntry(outbox.Message{
		MessageType:   outbox.MessageTypeTask,
		AggregateType: "Article",
		AggregateID:   "A1",
		EventType:     "reindex",
		Payload:       json.RawMessage(`{"type":"reindex"}`),
		RoutingKey:    "search",
	})
	entries := Save(t, store, db, Event("A1", "ArticleCreated"), task, Event("A1", "ArticleUpdated"))
	require.Less(t, entries[0].SequenceNumber, entries[1].SequenceNumber)
	require.Less(t, entries[1].SequenceNumber, entries[2].SequenceNumber)

	polled, err := store.PollEligible(ctx, outbox.PollOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, polled, 3)
	for i := range entries {
		require.Equal(t, entries[i].ID, polled[i].ID)
		require.Equal(t, entries[i].SequenceNumber, polled[i].SequenceNumber)
	}
	require.JSONEq(t, `{"title":"hello"}`, string(polled[0].Payload))
	require.True(t, polled[0].CreatedAt.Equal(BaseTime))
	require.Equal(t, "search", polled[1].RoutingKey)

	polled, err = store.PollEligible(ctx, outbox.PollOptions{MessageType: outbox.MessageTypeTask, Limit: 10})
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.Equal(t, entries[1].ID, polled[0].ID)

	polled, err = store.PollEligible(ctx, outbox.PollOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, polled, 2)
}

func testRollback(t *testing.T, factory Factory) {
	ctx := context.Background()
	store, db := factory(t, NewClock())
	failure := errors.New("business write failed")

	err := outbox.WithinTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		if err := store.SaveAll(ctx, tx, []outbox.Entry{Event("A1", "ArticleCreated")}); err != nil {
			return err
		}

		return failure
	})
	require.ErrorIs(t, err, failure)

	polled, err := store.PollEligible(ctx, outbox.PollOptions{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, polled)
}

func testPublishedGuard(t *testing.T, factory Factory) {
	ctx := context.Background()
	store, db := factory(t, NewClock())
	entries := Save(t, store, db, Event("A1", "e1"), Event("A1", "e2"))

	n, err := store.MarkPublished(ctx, []uuid.UUID{entries[0].ID}, BaseTime)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = store.MarkPublished(ctx, []uuid.UUID{entries[0].ID, entries[1].ID}, BaseTime)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, store.MarkFailed(ctx, entries[0].ID, "late", BaseTime))

	polled, err := store.PollEligible(ctx, outbox.PollOptions{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, polled)

	failed, err := store.CountFailedExceedingRetries(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, failed)
}

func testRetrySchedule(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store, db := factory(t, clock)
	entries := Save(t, store, db, Event("A1", "e1"), Event("A1", "e2"))

	require.NoError(t, store.MarkFailed(ctx, entries[0].ID, "sink down", BaseTime.Add(time.Minute)))

	polled, err := store.PollEligible(ctx, outbox.PollOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.Equal(t, entries[1].ID, polled[0].ID)

	clock.Advance(time.Minute)
	polled, err = store.PollEligible(ctx, outbox.PollOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, polled, 2)
	require.Equal(t, entries[0].ID, polled[0].ID)
	require.Equal(t, 1, polled[0].RetryCount)
	require.Equal(t, "sink down", polled[0].LastError)
	require.NotNil(t, polled[0].NextRetryAt)
	require.True(t, polled[0].NextRetryAt.Equal(BaseTime.Add(time.Minute)))

	polled, err = store.PollEligible(ctx, outbox.PollOptions{Limit: 10, MaxRetries: 1})
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.Equal(t, entries[1].ID, polled[0].ID)
}

func testDeadLetterBoundary(t *testing.T, factory Factory) {
	ctx := context.Background()
	store, db := factory(t, NewClock())
	entries := Save(t, store, db, Event("A1", "e1"), Event("A2", "e1"))

	require.NoError(t, store.MarkDead(ctx, entries[0].ID, "malformed", 5))
	for i := 0; i < 4; i++ {
		require.NoError(t, store.MarkFailed(ctx, entries[1].ID, "sink down", BaseTime))
	}

	n, err := store.CountFailedExceedingRetries(ctx, 5)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	dead, err := store.ListFailedExceedingRetries(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, entries[0].ID, dead[0].ID)
	require.Equal(t, 5, dead[0].RetryCount)
	require.Equal(t, "malformed", dead[0].LastError)
	require.Nil(t, dead[0].NextRetryAt)

	polled, err := store.PollEligible(ctx, outbox.PollOptions{Limit: 10, MaxRetries: 5})
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.Equal(t, entries[1].ID, polled[0].ID)
	require.Equal(t, 4, polled[0].RetryCount)
}

func testJanitor(t *testing.T, factory Factory) {
	ctx := context.Background()
	store, db := factory(t, NewClock())
	entries := Save(t, store, db, Event("A1", "e1"), Event("A1", "e2"), Event("A1", "e3"), Event("A1", "e4"), Event("A1", "e5"))

	old := BaseTime.Add(-48 * time.Hour)
	_, err := store.MarkPublished(ctx, []uuid.UUID{entries[0].ID, entries[1].ID, entries[2].ID}, old)
	require.NoError(t, err)
	require.NoError(t, store.MarkDead(ctx, entries[3].ID, "bad", 3))

	cutoff := BaseTime.Add(-24 * time.Hour)
	n, err := store.CountPublishedOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	n, err = store.DeletePublishedOlderThan(ctx, cutoff, 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	n, err = store.DeletePublishedOlderThan(ctx, cutoff, 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = store.DeleteDeadLetters(ctx, []uuid.UUID{entries[3].ID, entries[4].ID}, 3)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = store.DeleteFailedExceedingRetries(ctx, 3, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	polled, err := store.PollEligible(ctx, outbox.PollOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.Equal(t, entries[4].ID, polled[0].ID)
}

func testMetrics(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store, db := factory(t, clock)

	m, err := store.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, outbox.StoreMetrics{}, m)

	entries := Save(t, store, db, Event("A1", "e1"), Event("A1", "e2"), Event("A1", "e3"))
	_, err = store.MarkPublished(ctx, []uuid.UUID{entries[0].ID}, BaseTime)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, entries[1].ID, "down", BaseTime))

	clock.Advance(90 * time.Second)
	m, err = store.Metrics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, m.Pending)
	require.EqualValues(t, 1, m.Published)
	require.EqualValues(t, 1, m.Failed)
	require.Equal(t, 90*time.Second, m.OldestPendingAge)

	require.NoError(t, store.Ping(ctx))
}
