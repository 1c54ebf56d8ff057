//go:build unit

package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderCompleted struct {
	OrderID string `json:"orderId"`
	Items   []struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
	} `json:"items"`
}

func TestNewMarshalsStructPayload(t *testing.T) {
	t.Parallel()

	ev, err := New(context.Background(), "order:completed", map[string]any{"orderId": "o-1"}, "orders", 0)
	require.NoError(t, err)

	assert.Equal(t, "order:completed", ev.Name())
	assert.Equal(t, "order", ev.Module())
	assert.Equal(t, "orders", ev.SourceModule())
	assert.NotEqual(t, uuid.Nil, ev.ID())
	assert.WithinDuration(t, time.Now(), ev.Metadata().EmittedAt, time.Second)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(ev.Payload()))
}

func TestNewAcceptsRawJSON(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"orderId":"o-1","items":[{"productId":"p-1","quantity":2}]}`)

	ev, err := New(context.Background(), "order:completed", raw, "orders", 0)
	require.NoError(t, err)

	var decoded orderCompleted
	require.NoError(t, ev.Decode(&decoded))
	assert.Equal(t, "o-1", decoded.OrderID)
	require.Len(t, decoded.Items, 1)
	assert.Equal(t, 2, decoded.Items[0].Quantity)
}

func TestNewAppliesOptions(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	ev, err := New(context.Background(), "customer:created", nil, "crm", 0,
		WithID(id), WithCorrelationID("corr-1"), WithTenantID("tenant-a"), WithEmittedAt(at), nil)
	require.NoError(t, err)

	assert.Equal(t, Metadata{EventID: id, EmittedAt: at, CorrelationID: "corr-1", TenantID: "tenant-a"}, ev.Metadata())
	assert.Equal(t, "null", string(ev.Payload()))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   string
		payload any
		source  string
		limit   int
		wantErr error
	}{
		{name: "missing action", event: "order:", source: "orders", wantErr: ErrInvalidName},
		{name: "missing module", event: ":created", source: "orders", wantErr: ErrInvalidName},
		{name: "no separator", event: "ordercreated", source: "orders", wantErr: ErrInvalidName},
		{name: "missing source", event: "order:created", source: " ", wantErr: ErrSourceModuleRequired},
		{name: "invalid raw json", event: "order:created", payload: []byte("{nope"), source: "orders", wantErr: ErrPayloadNotJSON},
		{name: "unmarshalable payload", event: "order:created", payload: make(chan int), source: "orders", wantErr: ErrPayloadNotJSON},
		{name: "payload too large", event: "order:created", payload: strings.Repeat("x", 64), source: "orders", limit: 16, wantErr: ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(context.Background(), tt.event, tt.payload, tt.source, tt.limit)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPayloadIsCopied(t *testing.T) {
	t.Parallel()

	ev, err := New(context.Background(), "order:created", json.RawMessage(`{"a":1}`), "orders", 0)
	require.NoError(t, err)

	p := ev.Payload()
	p[0] = 'X'

	assert.JSONEq(t, `{"a":1}`, string(ev.Payload()))
}

func TestRestore(t *testing.T) {
	t.Parallel()

	meta := Metadata{EventID: uuid.New(), CorrelationID: "c"}
	ev := Restore("order:created", []byte(`{"a":1}`), "orders", meta)

	assert.Equal(t, meta, ev.Metadata())
	assert.Equal(t, "order:created", ev.Name())
}

func TestParseName(t *testing.T) {
	t.Parallel()

	module, action, err := ParseName("user:password:reset")
	require.NoError(t, err)
	assert.Equal(t, "user", module)
	assert.Equal(t, "password:reset", action)
}

func TestNonRetryable(t *testing.T) {
	t.Parallel()

	base := errors.New("invalid product id")
	wrapped := fmt.Errorf("inventory: %w", NonRetryable(base))

	assert.True(t, IsNonRetryable(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "inventory: invalid product id", wrapped.Error())
	assert.False(t, IsNonRetryable(base))
	assert.NoError(t, NonRetryable(nil))

	classifier := RetryClassifierFunc(func(err error) bool { return errors.Is(err, base) })
	assert.True(t, classifier.IsNonRetryable(wrapped))
	assert.False(t, RetryClassifierFunc(nil).IsNonRetryable(wrapped))
}
