//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	outbox "github.com/velmie/outbox-dispatch"
	"github.com/velmie/outbox-dispatch/internal/storetest"
	"github.com/velmie/outbox-dispatch/internal/testutil"
	"github.com/velmie/outbox-dispatch/mysql"
	"github.com/velmie/outbox-dispatch/sqlstore"
)

var tableSeq atomic.Int64

func TestStoreContractIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	env := testutil.StartMySQLContainer(t, ctx)
	db, err := mysql.Open(env.HostDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	storetest.Run(t, func(t *testing.T, clock outbox.Clock) (outbox.Store, *sql.DB) {
		table := fmt.Sprintf("outbox_%d", tableSeq.Add(1))
		stmts, err := mysql.Schema(table)
		require.NoError(t, err)
		require.NoError(t, sqlstore.EnsureSchema(ctx, db, stmts))

		store, err := mysql.NewStore(db, sqlstore.WithTable(table), sqlstore.WithClock(clock))
		require.NoError(t, err)

		return store, db
	})
}

func TestLockerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	env := testutil.StartMySQLContainer(t, ctx)

	locker, err := mysql.NewLocker(env.DB)
	require.NoError(t, err)

	lease, err := locker.TryLock(ctx, "outbox:relay")
	require.NoError(t, err)
	require.NoError(t, lease.Extend(ctx))

	_, err = locker.TryLock(ctx, "outbox:relay")
	require.True(t, errors.Is(err, outbox.ErrLockHeld), "expected lock held, got %v", err)

	require.NoError(t, lease.Release(ctx))
	require.ErrorIs(t, lease.Extend(ctx), mysql.ErrLockLost)

	again, err := locker.TryLock(ctx, "outbox:relay")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestSweeperIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	env := testutil.StartMySQLContainer(t, ctx)
	stmts, err := mysql.Schema("outbox")
	require.NoError(t, err)
	require.NoError(t, sqlstore.EnsureSchema(ctx, env.DB, stmts))

	clock := storetest.NewClock()
	store, err := mysql.NewStore(env.DB, sqlstore.WithClock(clock))
	require.NoError(t, err)
	locker, err := mysql.NewLocker(env.DB)
	require.NoError(t, err)

	entries := storetest.Save(t, store, env.DB,
		storetest.Event("A1", "e1"), storetest.Event("A1", "e2"), storetest.Event("A1", "e3"),
	)
	_, err = store.MarkPublished(ctx, []uuid.UUID{entries[0].ID}, storetest.BaseTime.Add(-48*time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.MarkDead(ctx, entries[1].ID, "bad", 5))

	sweeper, err := outbox.NewSweeper(store, outbox.SweeperConfig{
		Retention: 24 * time.Hour,
		BatchSize: 1,
		Locker:    locker,
		Clock:     clock,
	})
	require.NoError(t, err)

	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.PublishedDeleted)
	require.EqualValues(t, 1, res.DeadDeleted)

	var remaining int
	require.NoError(t, env.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&remaining))
	require.Equal(t, 1, remaining)
}
