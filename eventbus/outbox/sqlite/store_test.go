//go:build unit

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox/outboxtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, clock *outboxtest.Clock) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "outbox.db"), WithClock(clock.Now))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreConformance(t *testing.T) {
	outboxtest.RunStoreSuite(t, func(t *testing.T, clock *outboxtest.Clock) (outbox.Store, outbox.ProcessingLog) {
		store := openTestStore(t, clock)
		return store, store
	})
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("  ")
	require.Error(t, err)
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "outbox.db")
	clock := outboxtest.NewClock()

	first, err := Open(path, WithClock(clock.Now))
	require.NoError(t, err)

	rec := outboxtest.NewPendingRecord("order:completed", 2, clock.Now())
	require.NoError(t, first.Insert(context.Background(), rec, nil))
	require.NoError(t, first.Close())

	second, err := Open(path, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, got.Status)
}

func TestInsertWithTxCommitsWithBusinessWrite(t *testing.T) {
	t.Parallel()

	clock := outboxtest.NewClock()
	store := openTestStore(t, clock)
	ctx := context.Background()

	_, err := store.DB().ExecContext(ctx, `CREATE TABLE orders (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	committed := outboxtest.NewPendingRecord("order:created", 2, clock.Now())

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO orders (id) VALUES ('o-1')`)
	require.NoError(t, err)
	require.NoError(t, store.InsertWithTx(ctx, tx, committed, nil))
	require.NoError(t, tx.Commit())

	rolledBack := outboxtest.NewPendingRecord("order:created", 2, clock.Now())

	tx, err = store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.InsertWithTx(ctx, tx, rolledBack, nil))
	require.NoError(t, tx.Rollback())

	_, err = store.GetByID(ctx, committed.ID)
	require.NoError(t, err)

	_, err = store.GetByID(ctx, rolledBack.ID)
	require.ErrorIs(t, err, outbox.ErrRecordNotFound)

	require.ErrorIs(t, store.InsertWithTx(ctx, nil, committed, nil), outbox.ErrTxRequired)
}

func TestAppendHistory(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, outboxtest.NewClock())
	ctx := context.Background()

	require.NoError(t, store.AppendHistory(ctx, &outbox.HistoryRecord{EventName: "a:b", SourceModule: "m", Payload: []byte(`{}`)}))
	require.ErrorIs(t, store.AppendHistory(ctx, nil), outbox.ErrRecordRequired)

	var n int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM event_history`).Scan(&n))
	assert.Equal(t, 1, n)
}
