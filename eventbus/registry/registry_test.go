//go:build unit

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, event.Event) error { return nil }

func TestRegisterGeneratesIDsAndAppliesDefaults(t *testing.T) {
	t.Parallel()

	reg := New(DefaultDefaults())

	first, err := reg.Register("order:completed", Registration{ModuleID: "inventory", Handler: noopHandler})
	require.NoError(t, err)
	assert.Equal(t, "inventory.order:completed", first)

	second, err := reg.Register("order:completed", Registration{ModuleID: "billing", Handler: noopHandler})
	require.NoError(t, err)
	assert.Equal(t, "billing.order:completed", second)

	handlers := reg.Handlers("order:completed")
	require.Len(t, handlers, 2)
	assert.Equal(t, first, handlers[0].HandlerID)
	assert.Equal(t, outbox.DefaultMaxRetries, handlers[0].Policy().MaxRetries)
	assert.Equal(t, 30*time.Second, handlers[0].Timeout)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	reg := New(DefaultDefaults())

	_, err := reg.Register("invalid", Registration{ModuleID: "m", Handler: noopHandler})
	require.ErrorIs(t, err, event.ErrInvalidName)

	_, err = reg.Register("order:completed", Registration{ModuleID: "m"})
	require.ErrorIs(t, err, ErrHandlerRequired)

	_, err = reg.Register("order:completed", Registration{Handler: noopHandler})
	require.ErrorIs(t, err, ErrModuleIDRequired)

	_, err = reg.Register("order:completed", Registration{
		ModuleID:    "m",
		Handler:     noopHandler,
		RetryPolicy: &RetryPolicy{MaxRetries: -1},
	})
	require.ErrorIs(t, err, ErrRetryPolicyInvalid)

	var nilRegistry *Registry

	_, err = nilRegistry.Register("order:completed", Registration{ModuleID: "m", Handler: noopHandler})
	require.ErrorIs(t, err, ErrRegistryRequired)
}

func TestRegisterRejectsDuplicateHandlerID(t *testing.T) {
	t.Parallel()

	reg := New(DefaultDefaults())

	_, err := reg.Register("order:completed", Registration{HandlerID: "inv", ModuleID: "inventory", Handler: noopHandler})
	require.NoError(t, err)

	_, err = reg.Register("order:completed", Registration{HandlerID: "inv", ModuleID: "inventory", Handler: noopHandler})
	require.ErrorIs(t, err, ErrHandlerAlreadyRegistered)

	_, err = reg.Register("order:cancelled", Registration{HandlerID: "inv", ModuleID: "inventory", Handler: noopHandler})
	require.NoError(t, err)
}

func TestSecondHandlerOfModuleNeedsExplicitID(t *testing.T) {
	t.Parallel()

	reg := New(DefaultDefaults())

	_, err := reg.Register("order:completed", Registration{ModuleID: "billing", Handler: noopHandler})
	require.NoError(t, err)

	_, err = reg.Register("order:completed", Registration{ModuleID: "billing", Handler: noopHandler})
	require.ErrorIs(t, err, ErrHandlerIDRequired)

	id, err := reg.Register("order:completed", Registration{HandlerID: "billing.invoice", ModuleID: "billing", Handler: noopHandler})
	require.NoError(t, err)
	assert.Equal(t, "billing.invoice", id)
}

func TestHandlerIDsDoNotDependOnRegistrationOrder(t *testing.T) {
	t.Parallel()

	register := func(modules ...string) map[string]string {
		reg := New(DefaultDefaults())
		ids := make(map[string]string, len(modules))

		for _, module := range modules {
			id, err := reg.Register("order:completed", Registration{ModuleID: module, Handler: noopHandler})
			require.NoError(t, err)

			ids[module] = id
		}

		return ids
	}

	assert.Equal(t, register("inventory", "billing", "mailer"), register("mailer", "inventory", "billing"))
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	reg := New(DefaultDefaults())

	id, err := reg.Register("order:completed", Registration{ModuleID: "inventory", Handler: noopHandler})
	require.NoError(t, err)

	require.NoError(t, reg.Unregister("order:completed", id))
	assert.Empty(t, reg.Handlers("order:completed"))
	assert.Empty(t, reg.EventNames())

	require.ErrorIs(t, reg.Unregister("order:completed", id), ErrHandlerNotRegistered)
}

func TestHandlersReturnsCopy(t *testing.T) {
	t.Parallel()

	reg := New(DefaultDefaults())

	_, err := reg.Register("order:completed", Registration{ModuleID: "inventory", Handler: noopHandler})
	require.NoError(t, err)

	handlers := reg.Handlers("order:completed")
	handlers[0].HandlerID = "mutated"

	assert.NotEqual(t, "mutated", reg.Handlers("order:completed")[0].HandlerID)
}

func TestMaxRetriesTakesLargestBudget(t *testing.T) {
	t.Parallel()

	reg := New(DefaultDefaults())

	_, ok := reg.MaxRetries("order:completed")
	assert.False(t, ok)

	_, err := reg.Register("order:completed", Registration{
		ModuleID:    "a",
		Handler:     noopHandler,
		RetryPolicy: &RetryPolicy{MaxRetries: 2},
	})
	require.NoError(t, err)

	_, err = reg.Register("order:completed", Registration{
		ModuleID:    "b",
		Handler:     noopHandler,
		RetryPolicy: &RetryPolicy{MaxRetries: 7},
	})
	require.NoError(t, err)

	maxRetries, ok := reg.MaxRetries("order:completed")
	require.True(t, ok)
	assert.Equal(t, 7, maxRetries)
}

func TestRegistrationKeyDefaultsToEventID(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	ev, err := event.New(context.Background(), "order:completed", map[string]int{"qty": 1}, "orders", 0, event.WithID(id))
	require.NoError(t, err)

	assert.Equal(t, "event:"+id.String(), Registration{}.Key(ev))

	custom := Registration{IdempotencyKey: func(event.Event) string { return "order-42" }}
	assert.Equal(t, "order-42", custom.Key(ev))

	blank := Registration{IdempotencyKey: func(event.Event) string { return "  " }}
	assert.Equal(t, "event:"+id.String(), blank.Key(ev))
}

func TestRegistrationIsNonRetryable(t *testing.T) {
	t.Parallel()

	errValidation := errors.New("validation failed")

	reg := Registration{RetryClassifier: event.RetryClassifierFunc(func(err error) bool {
		return errors.Is(err, errValidation)
	})}

	assert.True(t, reg.IsNonRetryable(errValidation))
	assert.True(t, reg.IsNonRetryable(event.NonRetryable(errors.New("bad input"))))
	assert.False(t, reg.IsNonRetryable(errors.New("timeout")))
	assert.False(t, reg.IsNonRetryable(nil))
}

func TestRetryPolicyBackoffPolicy(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{Backoff: time.Second, MaxBackoff: time.Minute, Exponential: true}.BackoffPolicy()

	assert.Equal(t, time.Second, policy.Base)
	assert.Equal(t, time.Minute, policy.Max)
	assert.True(t, policy.Exponential)
	assert.False(t, policy.Jitter)
}
