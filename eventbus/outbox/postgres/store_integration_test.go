//go:build integration

package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox/outboxtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func newIntegrationConnection(t *testing.T) *Connection {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("EVENTBUS_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("EVENTBUS_POSTGRES_DSN not set")
	}

	conn, err := NewConnection(Config{PrimaryDSN: dsn})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func truncateTables(t *testing.T, conn *Connection) {
	t.Helper()

	primary, err := conn.Primary()
	require.NoError(t, err)

	_, err = primary.ExecContext(context.Background(),
		`TRUNCATE event_outbox, event_dead_letter, event_processing_log, event_history`)
	require.NoError(t, err)
}

func TestIntegrationStoreConformance(t *testing.T) {
	conn := newIntegrationConnection(t)

	outboxtest.RunStoreSuite(t, func(t *testing.T, clock *outboxtest.Clock) (outbox.Store, outbox.ProcessingLog) {
		truncateTables(t, conn)

		store, err := NewStore(conn, WithClock(clock.Now), WithTracer(noop.NewTracerProvider().Tracer("test")))
		require.NoError(t, err)

		return store, store
	})
}

func TestIntegrationInsertWithTxRollsBackWithCaller(t *testing.T) {
	conn := newIntegrationConnection(t)
	truncateTables(t, conn)

	clock := outboxtest.NewClock()
	store, err := NewStore(conn, WithClock(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	primary, err := conn.Primary()
	require.NoError(t, err)

	rec := outboxtest.NewPendingRecord("order:created", 2, clock.Now())

	tx, err := primary.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.InsertWithTx(ctx, tx, rec, nil))
	require.NoError(t, tx.Rollback())

	_, err = store.GetByID(ctx, rec.ID)
	require.ErrorIs(t, err, outbox.ErrRecordNotFound)
}

func TestIntegrationSessionTenantResolverSetsSetting(t *testing.T) {
	conn := newIntegrationConnection(t)

	primary, err := conn.Primary()
	require.NoError(t, err)

	ctx := context.Background()
	tx, err := primary.BeginTx(ctx, nil)
	require.NoError(t, err)

	defer func() { _ = tx.Rollback() }()

	require.NoError(t, SessionTenantResolver{}.ApplyTenant(ctx, tx, "tenant-a"))

	var tenant string
	require.NoError(t, tx.QueryRowContext(ctx, `SELECT current_setting('app.current_tenant', true)`).Scan(&tenant))
	assert.Equal(t, "tenant-a", tenant)
}

func TestIntegrationMigratesIntoConfiguredSchema(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("EVENTBUS_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("EVENTBUS_POSTGRES_DSN not set")
	}

	const schema = "eventbus_schema_test"

	conn, err := NewConnection(Config{PrimaryDSN: dsn, Schema: schema})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	t.Cleanup(func() { _ = conn.Close() })

	primary, err := conn.Primary()
	require.NoError(t, err)

	var tables int

	err = primary.QueryRowContext(context.Background(), `SELECT count(*) FROM information_schema.tables
WHERE table_schema = $1 AND table_name IN ('event_outbox', 'event_dead_letter', 'event_processing_log', 'event_history', 'eventbus_schema_migrations')`,
		schema).Scan(&tables)
	require.NoError(t, err)
	assert.Equal(t, 5, tables)

	outboxtest.RunStoreSuite(t, func(t *testing.T, clock *outboxtest.Clock) (outbox.Store, outbox.ProcessingLog) {
		_, err := primary.ExecContext(context.Background(), `TRUNCATE "`+schema+`".event_outbox, "`+schema+`".event_dead_letter, "`+schema+`".event_processing_log, "`+schema+`".event_history`)
		require.NoError(t, err)

		store, err := NewStore(conn, WithClock(clock.Now))
		require.NoError(t, err)

		return store, store
	})
}
