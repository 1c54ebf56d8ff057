//go:build unit

package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/bus"
	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), Config{Addresses: []string{mr.Addr()}})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func newTransportBus(t *testing.T, store outbox.Store, client goredis.UniversalClient) *bus.Bus {
	t.Helper()

	transport, err := NewReplyTransport(client)
	require.NoError(t, err)

	b, err := bus.New(store, registry.New(registry.DefaultDefaults()), bus.DefaultConfig(), bus.WithReplyTransport(transport))
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close(context.Background()) })

	return b
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(context.Background(), Config{Addresses: []string{" ", ""}})
	require.ErrorIs(t, err, ErrAddressRequired)

	_, err = NewClient(context.Background(), Config{Addresses: []string{"127.0.0.1:1"}, DialTimeout: 50 * time.Millisecond})
	require.Error(t, err)
}

func TestReplyTransportValidation(t *testing.T) {
	t.Parallel()

	_, err := NewReplyTransport(nil)
	require.ErrorIs(t, err, ErrClientRequired)

	_, client := newTestClient(t)

	transport, err := NewReplyTransport(client, WithChannel("replies:test"))
	require.NoError(t, err)
	assert.Equal(t, "replies:test", transport.channel)

	require.ErrorIs(t, transport.Start(context.Background(), nil), ErrDeliverRequired)

	require.NoError(t, transport.Start(context.Background(), func(context.Context, bus.Reply) {}))
	require.ErrorIs(t, transport.Start(context.Background(), func(context.Context, bus.Reply) {}), ErrTransportStarted)

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	require.ErrorIs(t, transport.Start(context.Background(), func(context.Context, bus.Reply) {}), ErrTransportClosed)
}

func TestReplyTransportRoundTrip(t *testing.T) {
	t.Parallel()

	_, client := newTestClient(t)

	transport, err := NewReplyTransport(client)
	require.NoError(t, err)

	received := make(chan bus.Reply, 1)
	require.NoError(t, transport.Start(context.Background(), func(_ context.Context, reply bus.Reply) {
		received <- reply
	}))
	t.Cleanup(func() { _ = transport.Close() })

	require.NoError(t, transport.Publish(context.Background(), bus.Reply{
		CorrelationID: "corr-1",
		Payload:       json.RawMessage(`{"ok":true}`),
	}))

	select {
	case reply := <-received:
		assert.Equal(t, "corr-1", reply.CorrelationID)
		assert.JSONEq(t, `{"ok":true}`, string(reply.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not delivered")
	}
}

func TestQueryAnsweredByAnotherInstance(t *testing.T) {
	t.Parallel()

	_, client := newTestClient(t)
	store := outbox.NewMemoryStore()

	asker := newTransportBus(t, store, client)
	responder := newTransportBus(t, store, client)

	_, err := responder.Registry().Register("inventory:check", registry.Registration{
		ModuleID: "inventory",
		Handler: func(ctx context.Context, ev event.Event) error {
			return responder.Reply(ctx, ev.Metadata().CorrelationID, map[string]int{"quantity": 3})
		},
	})
	require.NoError(t, err)

	type result struct {
		payload json.RawMessage
		err     error
	}

	results := make(chan result, 1)

	go func() {
		payload, err := asker.Query(context.Background(), "inventory:check", map[string]string{"sku": "sku-9"}, "orders", 3*time.Second)
		results <- result{payload: payload, err: err}
	}()

	require.Eventually(t, func() bool {
		claimed, err := store.ClaimBatch(context.Background(), 10)
		if err != nil || len(claimed) == 0 {
			return false
		}

		for _, rec := range claimed {
			if err := responder.Dispatch(context.Background(), rec.Event()); err != nil {
				return false
			}
		}

		return true
	}, 2*time.Second, 5*time.Millisecond)

	got := <-results
	require.NoError(t, got.err)
	assert.JSONEq(t, `{"quantity":3}`, string(got.payload))
	assert.Zero(t, asker.PendingQueries())
}

func TestTryLock(t *testing.T) {
	t.Parallel()

	_, client := newTestClient(t)

	_, err := NewLockManager(nil, time.Second, nil)
	require.ErrorIs(t, err, ErrClientRequired)

	manager, err := NewLockManager(client, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultLockExpiry, manager.expiry)

	_, _, err = manager.TryLock(context.Background(), "  ")
	require.ErrorIs(t, err, ErrLockKeyRequired)

	unlock, acquired, err := manager.TryLock(context.Background(), "eventbus:sweep")
	require.NoError(t, err)
	require.True(t, acquired)

	other, err := NewLockManager(client, time.Second, nil)
	require.NoError(t, err)

	_, acquired, err = other.TryLock(context.Background(), "eventbus:sweep")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, unlock(context.Background()))

	unlock, acquired, err = other.TryLock(context.Background(), "eventbus:sweep")
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, unlock(context.Background()))
}
