//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{name: "attempt 0 returns base", base: time.Second, attempt: 0, expected: time.Second},
		{name: "attempt 3 multiplies by eight", base: time.Second, attempt: 3, expected: 8 * time.Second},
		{name: "negative attempt treated as zero", base: time.Second, attempt: -4, expected: time.Second},
		{name: "zero base", base: 0, attempt: 5, expected: 0},
		{name: "overflow saturates", base: time.Hour, attempt: 100, expected: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestPolicyDelayIsMonotonicAndCappedWithoutJitter(t *testing.T) {
	t.Parallel()

	policy := Policy{Base: time.Second, Max: 60 * time.Second, Exponential: true}

	previous := time.Duration(0)
	for retry := 0; retry < 80; retry++ {
		delay := policy.Delay(retry)

		assert.GreaterOrEqual(t, delay, previous, "retry %d", retry)
		assert.LessOrEqual(t, delay, policy.Max, "retry %d", retry)

		previous = delay
	}

	assert.Equal(t, time.Second, policy.Delay(0))
	assert.Equal(t, 16*time.Second, policy.Delay(4))
	assert.Equal(t, 60*time.Second, policy.Delay(6))
}

func TestPolicyDelayLinear(t *testing.T) {
	t.Parallel()

	policy := Policy{Base: 2 * time.Second, Max: time.Minute}

	assert.Equal(t, 2*time.Second, policy.Delay(0))
	assert.Equal(t, 2*time.Second, policy.Delay(10))
}

func TestPolicyDelayJitterBounds(t *testing.T) {
	t.Parallel()

	policy := Policy{Base: time.Second, Max: time.Hour, Exponential: true, Jitter: true}

	for retry := 0; retry < 6; retry++ {
		nominal := Exponential(policy.Base, retry)

		for i := 0; i < 200; i++ {
			delay := policy.Delay(retry)

			require.GreaterOrEqual(t, delay, nominal/2)
			require.LessOrEqual(t, delay, nominal+nominal/2)
		}
	}
}

func TestPolicyDelayJitterRespectsCap(t *testing.T) {
	t.Parallel()

	policy := Policy{Base: time.Second, Max: 10 * time.Second, Exponential: true, Jitter: true}

	for i := 0; i < 200; i++ {
		assert.LessOrEqual(t, policy.Delay(20), policy.Max)
	}
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	assert.Zero(t, FullJitter(0))
	assert.Zero(t, FullJitter(-time.Second))

	for i := 0; i < 100; i++ {
		got := FullJitter(time.Second)
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.Less(t, got, time.Second)
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), 0))
	require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
