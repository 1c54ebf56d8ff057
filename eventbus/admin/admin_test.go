//go:build unit

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/circuitbreaker"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox/outboxtest"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStore struct {
	*outbox.MemoryStore
}

func (brokenStore) CountByStatus(context.Context) (map[outbox.Status]int64, error) {
	return nil, errors.New("connection refused")
}

func newApp(t *testing.T, store outbox.Store, opts ...Option) *fiber.App {
	t.Helper()

	app, err := New(store, opts...)
	require.NoError(t, err)

	return app
}

func do(t *testing.T, app *fiber.App, method, target string) (int, []byte) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(method, target, nil), -1)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

func seedDeadLetter(t *testing.T, store *outbox.MemoryStore) *outbox.DeadLetter {
	t.Helper()

	ctx := context.Background()

	rec := outboxtest.NewPendingRecord("payment:charge", 0, time.Now().UTC().Add(-time.Second))
	require.NoError(t, store.Insert(ctx, rec, nil))

	_, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkDeadLetter(ctx, rec.ID, "card declined"))

	dead, err := store.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	return dead[0]
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	status, body := do(t, newApp(t, outbox.NewMemoryStore()), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	status, body = do(t, newApp(t, brokenStore{outbox.NewMemoryStore()}, WithLogger(libLog.NewNop())), http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.NotContains(t, string(body), "connection refused")
}

func TestStats(t *testing.T) {
	t.Parallel()

	store := outbox.NewMemoryStore()
	seedDeadLetter(t, store)
	require.NoError(t, store.Insert(context.Background(), outboxtest.NewPendingRecord("order:created", 3, time.Now().UTC()), nil))

	status, body := do(t, newApp(t, store), http.MethodGet, "/v1/outbox/stats")
	require.Equal(t, http.StatusOK, status)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, int64(2), resp.Total)
	assert.Equal(t, int64(1), resp.Counts[outbox.StatusPending])
	assert.Equal(t, int64(1), resp.Counts[outbox.StatusDeadLetter])
	assert.Zero(t, resp.Counts[outbox.StatusProcessing])

	status, body = do(t, newApp(t, brokenStore{store}), http.MethodGet, "/v1/outbox/stats")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, string(body), "connection refused")
}

func TestDeadLetterEndpoints(t *testing.T) {
	t.Parallel()

	store := outbox.NewMemoryStore()
	dl := seedDeadLetter(t, store)
	app := newApp(t, store)

	t.Run("list", func(t *testing.T) {
		status, body := do(t, app, http.MethodGet, "/v1/dead-letters?limit=10")
		require.Equal(t, http.StatusOK, status)

		var resp struct {
			Items []DeadLetterResponse `json:"items"`
			Limit int                  `json:"limit"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))
		require.Len(t, resp.Items, 1)
		assert.Equal(t, 10, resp.Limit)
		assert.Equal(t, dl.ID.String(), resp.Items[0].ID)
		assert.Equal(t, "card declined", resp.Items[0].FailureReason)
		assert.Equal(t, 1, resp.Items[0].Attempts)
	})

	t.Run("list_invalid_limit", func(t *testing.T) {
		status, _ := do(t, app, http.MethodGet, "/v1/dead-letters?limit=0")
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = do(t, app, http.MethodGet, "/v1/dead-letters?limit=5000")
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("get", func(t *testing.T) {
		status, body := do(t, app, http.MethodGet, "/v1/dead-letters/"+dl.ID.String())
		require.Equal(t, http.StatusOK, status)

		var resp DeadLetterResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, "payment:charge", resp.EventName)
		assert.Equal(t, dl.OutboxID.String(), resp.OutboxID)
		assert.JSONEq(t, string(dl.Payload), string(resp.Payload))
	})

	t.Run("get_invalid_and_missing", func(t *testing.T) {
		status, body := do(t, app, http.MethodGet, "/v1/dead-letters/not-a-uuid")
		assert.Equal(t, http.StatusBadRequest, status)

		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(body, &errResp))
		assert.Equal(t, "400", errResp.Code)
		assert.Equal(t, "invalid_id", errResp.Title)

		status, _ = do(t, app, http.MethodGet, "/v1/dead-letters/"+uuid.NewString())
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("replay", func(t *testing.T) {
		status, body := do(t, app, http.MethodPost, "/v1/dead-letters/"+dl.ID.String()+"/replay")
		require.Equal(t, http.StatusAccepted, status)

		var resp struct {
			OutboxID  string `json:"outboxId"`
			EventName string `json:"eventName"`
			Status    string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, "payment:charge", resp.EventName)
		assert.Equal(t, string(outbox.StatusPending), resp.Status)

		rec, err := store.GetByID(context.Background(), uuid.MustParse(resp.OutboxID))
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, rec.Status)
		assert.Zero(t, rec.RetryCount)

		status, _ = do(t, app, http.MethodPost, "/v1/dead-letters/"+uuid.NewString()+"/replay")
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestCircuitBreakers(t *testing.T) {
	t.Parallel()

	status, body := do(t, newApp(t, outbox.NewMemoryStore()), http.MethodGet, "/v1/circuit-breakers")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"breakers":{}}`, string(body))

	breakers := circuitbreaker.NewManager(nil, circuitbreaker.Config{FailureThreshold: 1})
	_ = breakers.Execute(circuitbreaker.Key("order:created", "inventory.order:created.1"), func() error {
		return errors.New("boom")
	})

	status, body = do(t, newApp(t, outbox.NewMemoryStore(), WithCircuitBreakers(breakers)), http.MethodGet, "/v1/circuit-breakers")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"breakers":{"order:created/inventory.order:created.1":"open"}}`, string(body))
}

func TestUnknownRouteReturnsStructuredError(t *testing.T) {
	t.Parallel()

	status, body := do(t, newApp(t, outbox.NewMemoryStore()), http.MethodGet, "/v1/nope")
	assert.Equal(t, http.StatusNotFound, status)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "404", errResp.Code)
}
