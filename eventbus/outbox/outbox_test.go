//go:build unit

package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/backoff"
	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPending, true},
		{StatusProcessing, StatusDeadLetter, true},
		{StatusFailed, StatusPending, true},
		{StatusCompleted, StatusPending, false},
		{StatusDeadLetter, StatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.True(t, StatusCompleted.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition("pending", "processing"))
	require.ErrorIs(t, ValidateTransition("completed", "pending"), ErrTransitionInvalid)
	require.ErrorIs(t, ValidateTransition("PENDING", "processing"), ErrStatusInvalid)
	require.ErrorIs(t, ValidateTransition("pending", "nope"), ErrStatusInvalid)

	status, err := ParseStatus("dead_letter")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, status)
}

func TestDecideFailureRetryBudget(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := backoff.Policy{Base: time.Second, Max: time.Minute, Exponential: true}
	rec := &Record{MaxRetries: 2}

	attempts := 0

	for {
		attempts++

		outcome := DecideFailure(rec, "boom", policy, now)
		rec.RetryCount = outcome.RetryCount

		if !outcome.WillRetry() {
			assert.Equal(t, StatusDeadLetter, outcome.Status)
			break
		}

		assert.Equal(t, now.Add(policy.Delay(outcome.RetryCount)), outcome.NextAttemptAt)
	}

	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, rec.RetryCount)
}

func TestDecideFailureBacksOffFromIncrementedCount(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := backoff.Policy{Base: time.Second, Max: time.Minute, Exponential: true}

	first := DecideFailure(&Record{MaxRetries: 5}, "boom", policy, now)
	assert.Equal(t, 1, first.RetryCount)
	assert.Equal(t, now.Add(2*time.Second), first.NextAttemptAt)

	second := DecideFailure(&Record{MaxRetries: 5, RetryCount: 1}, "boom", policy, now)
	assert.Equal(t, 2, second.RetryCount)
	assert.Equal(t, now.Add(4*time.Second), second.NextAttemptAt)
}

func TestNewRecordAndEventRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := ContextWithTenantID(context.Background(), " tenant-a ")
	tenantID, ok := TenantIDFromContext(ctx)
	require.True(t, ok)

	ev, err := event.New(ctx, "order:completed", map[string]string{"orderId": "o-1"}, "orders", 0,
		event.WithCorrelationID("corr"), event.WithTenantID(tenantID))
	require.NoError(t, err)

	rec := NewRecord(ev, -1)
	assert.Equal(t, ev.ID(), rec.ID)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, DefaultMaxRetries, rec.MaxRetries)
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.Equal(t, 1, rec.Attempt())

	back := rec.Event()
	assert.Equal(t, ev.Name(), back.Name())
	assert.Equal(t, ev.Metadata(), back.Metadata())
	assert.JSONEq(t, string(ev.Payload()), string(back.Payload()))

	history := NewHistoryRecord(ev)
	assert.Equal(t, "corr", history.CorrelationID)
	assert.NotEqual(t, uuid.Nil, history.ID)
}

func TestRecordClone(t *testing.T) {
	t.Parallel()

	started := time.Now()
	rec := &Record{Payload: []byte(`{}`), ProcessingStartedAt: &started}
	clone := rec.Clone()

	clone.Payload[0] = '['
	*clone.ProcessingStartedAt = started.Add(time.Hour)

	assert.Equal(t, `{}`, string(rec.Payload))
	assert.Equal(t, started, *rec.ProcessingStartedAt)
	assert.Nil(t, (*Record)(nil).Clone())
}

func TestNewDeadLetterDefaultsReason(t *testing.T) {
	t.Parallel()

	dl := NewDeadLetter(&Record{ID: uuid.New(), EventName: "a:b", MaxRetries: 2}, "  ", 3, time.Now())
	assert.Equal(t, "unknown failure", dl.FailureReason)
	assert.Equal(t, 2, dl.MaxRetries)
	assert.Contains(t, dl.RetryHistory, "attempts=3")
}

func TestSanitizeErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		leaks   string
		expects string
	}{
		{name: "dsn credentials", input: "dial postgres://app:s3cret@db:5432/x failed", leaks: "s3cret", expects: "[REDACTED]"},
		{name: "bearer token", input: "upstream rejected Bearer abc.def-123", leaks: "abc.def-123", expects: "Bearer [REDACTED]"},
		{name: "password pair", input: "login failed password=hunter2", leaks: "hunter2", expects: "password=[REDACTED]"},
		{name: "email", input: "no user jane@example.com", leaks: "jane@example.com", expects: "[REDACTED]"},
		{name: "card number", input: "card 4111111111111111 declined", leaks: "4111111111111111", expects: "[REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := SanitizeErrorMessage(tt.input)
			assert.NotContains(t, got, tt.leaks)
			assert.Contains(t, got, tt.expects)
		})
	}

	assert.Equal(t, "order 123456789012 missing", SanitizeErrorMessage("order 123456789012 missing"))
	assert.Empty(t, SanitizeError(nil))
	assert.Equal(t, "boom", SanitizeError(errors.New(" boom ")))
}

func TestSanitizeErrorMessageTruncates(t *testing.T) {
	t.Parallel()

	got := SanitizeErrorMessage(strings.Repeat("é", MaxErrorLength+100))

	assert.Equal(t, MaxErrorLength, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "... (truncated)"))
}

func TestTenantIDFromContext(t *testing.T) {
	t.Parallel()

	_, ok := TenantIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = TenantIDFromContext(ContextWithTenantID(context.Background(), "   "))
	assert.False(t, ok)

	//nolint:staticcheck
	_, ok = TenantIDFromContext(nil)
	assert.False(t, ok)
}

func TestReplayRecord(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	dl := &DeadLetter{ID: uuid.New(), EventName: "a:b", SourceModule: "m", Payload: []byte(`{}`), MaxRetries: 4}

	rec := ReplayRecord(dl, now)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 4, rec.MaxRetries)
	assert.Equal(t, now, rec.NextAttemptAt)
	require.NoError(t, ValidateForInsert(rec))
}
