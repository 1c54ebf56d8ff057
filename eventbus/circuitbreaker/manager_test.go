//go:build unit

package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errHandler = errors.New("handler failed")

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "order:completed/inventory.1", Key("order:completed", "inventory.1"))
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()

	cfg := Config{}.normalize()
	assert.Equal(t, DefaultConfig(), cfg)

	custom := Config{FailureThreshold: 2, Window: time.Second, Recovery: time.Millisecond}.normalize()
	assert.Equal(t, uint32(2), custom.FailureThreshold)
	assert.Equal(t, time.Millisecond, custom.Recovery)
}

func TestExecuteTripsAfterThreshold(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, Config{FailureThreshold: 3, Window: time.Minute, Recovery: time.Minute})
	key := Key("user:created", "mailer")

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, m.Execute(key, func() error { return errHandler }), errHandler)
	}

	assert.Equal(t, StateOpen, m.State(key))

	var invoked atomic.Bool

	err := m.Execute(key, func() error {
		invoked.Store(true)
		return nil
	})

	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked.Load(), "open breaker must not invoke the handler")
}

func TestExecuteFailuresBelowThresholdKeepClosed(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, Config{FailureThreshold: 3, Window: time.Minute, Recovery: time.Minute})
	key := "k"

	require.Error(t, m.Execute(key, func() error { return errHandler }))
	require.Error(t, m.Execute(key, func() error { return errHandler }))
	require.NoError(t, m.Execute(key, func() error { return nil }))

	assert.Equal(t, StateClosed, m.State(key))
	assert.Equal(t, uint32(2), m.Counts(key).TotalFailures)
}

func TestHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, Config{FailureThreshold: 1, Window: time.Minute, Recovery: 30 * time.Millisecond})
	key := "k"

	require.ErrorIs(t, m.Execute(key, func() error { return errHandler }), errHandler)
	require.Equal(t, StateOpen, m.State(key))

	require.Eventually(t, func() bool { return m.State(key) == StateHalfOpen }, time.Second, 5*time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)

	var trialErr error

	go func() {
		defer wg.Done()

		trialErr = m.Execute(key, func() error {
			close(started)
			<-release

			return nil
		})
	}()

	<-started

	var secondInvoked atomic.Bool

	err := m.Execute(key, func() error {
		secondInvoked.Store(true)
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, secondInvoked.Load())

	close(release)
	wg.Wait()

	require.NoError(t, trialErr)
	assert.Equal(t, StateClosed, m.State(key))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, Config{FailureThreshold: 1, Window: time.Minute, Recovery: 20 * time.Millisecond})
	key := "k"

	require.Error(t, m.Execute(key, func() error { return errHandler }))
	require.Eventually(t, func() bool { return m.State(key) == StateHalfOpen }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, m.Execute(key, func() error { return errHandler }), errHandler)
	assert.Equal(t, StateOpen, m.State(key))
}

func TestStateChangeListenerAndReset(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, Config{FailureThreshold: 1, Window: time.Minute, Recovery: time.Minute})

	transitions := make(chan State, 4)
	m.RegisterStateChangeListener(StateChangeListenerFunc(func(_ string, _ State, to State) {
		transitions <- to
	}))
	m.RegisterStateChangeListener(nil)

	require.Error(t, m.Execute("k", func() error { return errHandler }))

	select {
	case to := <-transitions:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}

	assert.Equal(t, map[string]State{"k": StateOpen}, m.States())

	m.Reset("k")
	assert.Equal(t, StateClosed, m.State("k"))
	assert.Equal(t, StateUnknown, m.State("missing"))
	assert.Equal(t, Counts{}, m.Counts("missing"))
}
