package outboxtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/backoff"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock is a manually advanced time source shared between a test and a store.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty store bound to clock.
type Factory func(t *testing.T, clock *Clock) (outbox.Store, outbox.ProcessingLog)

// NewPendingRecord builds a pending record created at createdAt.
func NewPendingRecord(eventName string, maxRetries int, createdAt time.Time) *outbox.Record {
	payload, _ := json.Marshal(map[string]string{"name": eventName})

	return &outbox.Record{
		ID:            uuid.New(),
		EventName:     eventName,
		SourceModule:  "tests",
		Payload:       payload,
		Status:        outbox.StatusPending,
		MaxRetries:    maxRetries,
		NextAttemptAt: createdAt,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func historyFor(rec *outbox.Record) *outbox.HistoryRecord {
	return &outbox.HistoryRecord{
		ID:           uuid.New(),
		EventName:    rec.EventName,
		SourceModule: rec.SourceModule,
		Payload:      rec.Payload,
		EmittedAt:    rec.CreatedAt,
	}
}

var fixedPolicy = backoff.Policy{Base: time.Second, Max: time.Minute, Exponential: true}

// RunStoreSuite checks the behaviour every Store and ProcessingLog must share.
func RunStoreSuite(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("insert and get", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		rec := NewPendingRecord("customer:created", 3, clock.Now())
		rec.CorrelationID = "corr-1"
		rec.TenantID = "tenant-a"
		require.NoError(t, store.Insert(ctx, rec, historyFor(rec)))

		got, err := store.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.EventName, got.EventName)
		assert.Equal(t, outbox.StatusPending, got.Status)
		assert.Equal(t, 3, got.MaxRetries)
		assert.Equal(t, "corr-1", got.CorrelationID)
		assert.Equal(t, "tenant-a", got.TenantID)
		assert.JSONEq(t, string(rec.Payload), string(got.Payload))

		require.ErrorIs(t, store.Insert(ctx, rec, nil), outbox.ErrDuplicateRecord)

		_, err = store.GetByID(ctx, uuid.New())
		require.ErrorIs(t, err, outbox.ErrRecordNotFound)
	})

	t.Run("insert rejects non pending records", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)

		rec := NewPendingRecord("customer:created", 3, clock.Now())
		rec.Status = outbox.StatusCompleted

		require.ErrorIs(t, store.Insert(context.Background(), rec, nil), outbox.ErrStatusInvalid)
		require.ErrorIs(t, store.Insert(context.Background(), nil, nil), outbox.ErrRecordRequired)
	})

	t.Run("claim batch is oldest first and bounded", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		base := clock.Now().Add(-time.Minute)
		ids := make([]uuid.UUID, 0, 5)

		for i := 4; i >= 0; i-- {
			rec := NewPendingRecord("order:completed", 3, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, store.Insert(ctx, rec, historyFor(rec)))
			ids = append([]uuid.UUID{rec.ID}, ids...)
		}

		claimed, err := store.ClaimBatch(ctx, 3)
		require.NoError(t, err)
		require.Len(t, claimed, 3)

		for i, rec := range claimed {
			assert.Equal(t, ids[i], rec.ID)
			assert.Equal(t, outbox.StatusProcessing, rec.Status)
			require.NotNil(t, rec.ProcessingStartedAt)
		}

		rest, err := store.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, rest, 2)

		none, err := store.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		_, err = store.ClaimBatch(ctx, 0)
		require.ErrorIs(t, err, outbox.ErrLimitInvalid)
	})

	t.Run("concurrent claimers never share a record", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		const total = 120

		for i := 0; i < total; i++ {
			rec := NewPendingRecord("order:completed", 3, clock.Now().Add(-time.Duration(total-i)*time.Millisecond))
			require.NoError(t, store.Insert(ctx, rec, nil))
		}

		var (
			mu      sync.Mutex
			seen    = make(map[uuid.UUID]int)
			wg      sync.WaitGroup
			errs    = make(chan error, 8)
			workers = 8
		)

		for w := 0; w < workers; w++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for {
					batch, err := store.ClaimBatch(ctx, 7)
					if err != nil {
						errs <- err
						return
					}

					if len(batch) == 0 {
						return
					}

					mu.Lock()
					for _, rec := range batch {
						seen[rec.ID]++
					}
					mu.Unlock()
				}
			}()
		}

		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		require.Len(t, seen, total)

		for id, n := range seen {
			assert.Equal(t, 1, n, "record %s claimed %d times", id, n)
		}
	})

	t.Run("mark completed is conditional", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		rec := NewPendingRecord("customer:created", 3, clock.Now())
		require.NoError(t, store.Insert(ctx, rec, nil))

		require.ErrorIs(t, store.MarkCompleted(ctx, rec.ID), outbox.ErrStateTransitionConflict)

		_, err := store.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, store.MarkCompleted(ctx, rec.ID))
		require.ErrorIs(t, store.MarkCompleted(ctx, rec.ID), outbox.ErrStateTransitionConflict)

		got, err := store.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusCompleted, got.Status)
	})

	t.Run("mark failed reschedules then dead letters", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		rec := NewPendingRecord("order:completed", 2, clock.Now())
		require.NoError(t, store.Insert(ctx, rec, nil))

		for attempt := 1; attempt <= 3; attempt++ {
			claimed, err := store.ClaimBatch(ctx, 10)
			require.NoError(t, err)
			require.Len(t, claimed, 1, "attempt %d", attempt)
			assert.Equal(t, attempt-1, claimed[0].RetryCount)

			willRetry, err := store.MarkFailed(ctx, rec.ID, fmt.Sprintf("attempt %d failed password=hunter2", attempt), fixedPolicy)
			require.NoError(t, err)

			if attempt < 3 {
				require.True(t, willRetry)

				got, err := store.GetByID(ctx, rec.ID)
				require.NoError(t, err)
				assert.Equal(t, outbox.StatusPending, got.Status)
				assert.Equal(t, attempt, got.RetryCount)
				assert.True(t, got.NextAttemptAt.After(clock.Now()))
				assert.NotContains(t, got.LastError, "hunter2")

				early, err := store.ClaimBatch(ctx, 10)
				require.NoError(t, err)
				assert.Empty(t, early, "record must not be claimable before its backoff elapses")

				clock.Advance(fixedPolicy.Max)

				continue
			}

			require.False(t, willRetry)
		}

		got, err := store.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusDeadLetter, got.Status)

		dls, err := store.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, rec.ID, dls[0].OutboxID)
		assert.Equal(t, 3, dls[0].Attempts)
		assert.NotEmpty(t, dls[0].FailureReason)
		assert.Contains(t, dls[0].FailureReason, "attempt 3 failed")
		assert.NotContains(t, dls[0].FailureReason, "hunter2")
		assert.NotEmpty(t, dls[0].RetryHistory)

		require.ErrorIs(t, func() error {
			_, err := store.MarkFailed(ctx, rec.ID, "again", fixedPolicy)
			return err
		}(), outbox.ErrStateTransitionConflict)
	})

	t.Run("zero max retries dead letters on first failure", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		rec := NewPendingRecord("order:completed", 0, clock.Now())
		require.NoError(t, store.Insert(ctx, rec, nil))

		_, err := store.ClaimBatch(ctx, 1)
		require.NoError(t, err)

		willRetry, err := store.MarkFailed(ctx, rec.ID, "boom", fixedPolicy)
		require.NoError(t, err)
		assert.False(t, willRetry)
	})

	t.Run("mark dead letter skips retries", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		rec := NewPendingRecord("order:completed", 5, clock.Now())
		require.NoError(t, store.Insert(ctx, rec, nil))

		require.ErrorIs(t, store.MarkDeadLetter(ctx, rec.ID, "bad"), outbox.ErrStateTransitionConflict)

		_, err := store.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, store.MarkDeadLetter(ctx, rec.ID, "invalid payload"))

		got, err := store.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusDeadLetter, got.Status)

		dls, err := store.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, "invalid payload", dls[0].FailureReason)
		assert.Equal(t, 1, dls[0].Attempts)
	})

	t.Run("find stuck", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		rec := NewPendingRecord("order:completed", 3, clock.Now())
		require.NoError(t, store.Insert(ctx, rec, nil))

		_, err := store.ClaimBatch(ctx, 1)
		require.NoError(t, err)

		stuck, err := store.FindStuck(ctx, 5*time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, stuck)

		clock.Advance(6 * time.Minute)

		stuck, err = store.FindStuck(ctx, 5*time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, rec.ID, stuck[0].ID)

		willRetry, err := store.MarkFailed(ctx, rec.ID, "processing timeout", fixedPolicy)
		require.NoError(t, err)
		assert.True(t, willRetry)

		got, err := store.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("count by status", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, store.Insert(ctx, NewPendingRecord("a:b", 1, clock.Now()), nil))
		}

		_, err := store.ClaimBatch(ctx, 1)
		require.NoError(t, err)

		counts, err := store.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[outbox.StatusPending])
		assert.Equal(t, int64(1), counts[outbox.StatusProcessing])
		assert.Zero(t, counts[outbox.StatusCompleted])
	})

	t.Run("replay dead letter", func(t *testing.T) {
		clock := NewClock()
		store, _ := factory(t, clock)
		ctx := context.Background()

		rec := NewPendingRecord("order:completed", 1, clock.Now())
		rec.TenantID = "tenant-b"
		require.NoError(t, store.Insert(ctx, rec, nil))

		_, err := store.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, store.MarkDeadLetter(ctx, rec.ID, "boom"))

		dls, err := store.ListDeadLetters(ctx, 1)
		require.NoError(t, err)
		require.Len(t, dls, 1)

		replayed, err := store.ReplayDeadLetter(ctx, dls[0].ID)
		require.NoError(t, err)
		assert.NotEqual(t, rec.ID, replayed.ID)
		assert.Equal(t, outbox.StatusPending, replayed.Status)
		assert.Equal(t, rec.EventName, replayed.EventName)
		assert.Equal(t, "tenant-b", replayed.TenantID)
		assert.Equal(t, 1, replayed.MaxRetries)
		assert.Zero(t, replayed.RetryCount)

		dl, err := store.GetDeadLetter(ctx, dls[0].ID)
		require.NoError(t, err)
		assert.Equal(t, dls[0].FailureReason, dl.FailureReason)

		claimed, err := store.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, replayed.ID, claimed[0].ID)

		_, err = store.ReplayDeadLetter(ctx, uuid.New())
		require.ErrorIs(t, err, outbox.ErrDeadLetterNotFound)
		_, err = store.GetDeadLetter(ctx, uuid.New())
		require.ErrorIs(t, err, outbox.ErrDeadLetterNotFound)
	})

	t.Run("processing log is insert or ignore", func(t *testing.T) {
		clock := NewClock()
		_, plog := factory(t, clock)
		ctx := context.Background()

		done, err := plog.HasProcessed(ctx, "event:1", "inventory.1")
		require.NoError(t, err)
		assert.False(t, done)

		inserted, err := plog.MarkProcessed(ctx, "event:1", "inventory.1")
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = plog.MarkProcessed(ctx, "event:1", "inventory.1")
		require.NoError(t, err)
		assert.False(t, inserted)

		done, err = plog.HasProcessed(ctx, "event:1", "inventory.1")
		require.NoError(t, err)
		assert.True(t, done)

		done, err = plog.HasProcessed(ctx, "event:1", "mailer.1")
		require.NoError(t, err)
		assert.False(t, done)

		_, err = plog.MarkProcessed(ctx, "", "inventory.1")
		require.ErrorIs(t, err, outbox.ErrIdempotencyKeyRequired)
		_, err = plog.HasProcessed(ctx, "k", "")
		require.ErrorIs(t, err, outbox.ErrHandlerIDRequired)
	})

	t.Run("processing log reservation admits one holder", func(t *testing.T) {
		clock := NewClock()
		_, plog := factory(t, clock)
		ctx := context.Background()

		reserved, err := plog.Reserve(ctx, "invoice:7", "billing.1", time.Minute)
		require.NoError(t, err)
		assert.True(t, reserved)

		reserved, err = plog.Reserve(ctx, "invoice:7", "billing.1", time.Minute)
		require.NoError(t, err)
		assert.False(t, reserved)

		reserved, err = plog.Reserve(ctx, "invoice:7", "mailer.1", time.Minute)
		require.NoError(t, err)
		assert.True(t, reserved)

		done, err := plog.HasProcessed(ctx, "invoice:7", "billing.1")
		require.NoError(t, err)
		assert.False(t, done)

		require.NoError(t, plog.Release(ctx, "invoice:7", "billing.1"))

		reserved, err = plog.Reserve(ctx, "invoice:7", "billing.1", time.Minute)
		require.NoError(t, err)
		assert.True(t, reserved)

		completed, err := plog.MarkProcessed(ctx, "invoice:7", "billing.1")
		require.NoError(t, err)
		assert.True(t, completed)

		done, err = plog.HasProcessed(ctx, "invoice:7", "billing.1")
		require.NoError(t, err)
		assert.True(t, done)

		require.NoError(t, plog.Release(ctx, "invoice:7", "billing.1"))

		done, err = plog.HasProcessed(ctx, "invoice:7", "billing.1")
		require.NoError(t, err)
		assert.True(t, done)

		clock.Advance(time.Hour)

		reserved, err = plog.Reserve(ctx, "invoice:7", "billing.1", time.Minute)
		require.NoError(t, err)
		assert.False(t, reserved)
	})

	t.Run("processing log reservation expires after lease", func(t *testing.T) {
		clock := NewClock()
		_, plog := factory(t, clock)
		ctx := context.Background()

		reserved, err := plog.Reserve(ctx, "invoice:8", "billing.1", time.Minute)
		require.NoError(t, err)
		require.True(t, reserved)

		clock.Advance(30 * time.Second)

		reserved, err = plog.Reserve(ctx, "invoice:8", "billing.1", time.Minute)
		require.NoError(t, err)
		assert.False(t, reserved)

		clock.Advance(time.Minute)

		reserved, err = plog.Reserve(ctx, "invoice:8", "billing.1", time.Minute)
		require.NoError(t, err)
		assert.True(t, reserved)

		_, err = plog.Reserve(ctx, "", "billing.1", time.Minute)
		require.ErrorIs(t, err, outbox.ErrIdempotencyKeyRequired)
		require.ErrorIs(t, plog.Release(ctx, "invoice:8", ""), outbox.ErrHandlerIDRequired)
	})
}
