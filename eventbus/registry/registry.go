package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/backoff"
	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
)

var (
	ErrRegistryRequired         = errors.New("handler registry is required")
	ErrHandlerRequired          = errors.New("handler function is required")
	ErrModuleIDRequired         = errors.New("module id is required")
	ErrHandlerAlreadyRegistered = errors.New("handler already registered for event")
	ErrHandlerNotRegistered     = errors.New("handler not registered for event")
	ErrHandlerIDRequired        = errors.New("explicit handler id required for a second handler of the same module")
	ErrRetryPolicyInvalid       = errors.New("retry policy is invalid")
)

const (
	defaultBackoff        = time.Second
	defaultMaxBackoff     = 5 * time.Minute
	defaultHandlerTimeout = 30 * time.Second
)

// Handler consumes one event.
type Handler func(ctx context.Context, ev event.Event) error

// RetryPolicy controls how a failed event is rescheduled for a handler.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries  int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Exponential bool
	Jitter      bool
}

// BackoffPolicy converts the retry policy to the outbox scheduling policy.
func (p RetryPolicy) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Base:        p.Backoff,
		Max:         p.MaxBackoff,
		Exponential: p.Exponential,
		Jitter:      p.Jitter,
	}
}

func (p RetryPolicy) validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrRetryPolicyInvalid)
	}

	if p.Backoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("%w: backoff must not be negative", ErrRetryPolicyInvalid)
	}

	if p.MaxBackoff > 0 && p.Backoff > p.MaxBackoff {
		return fmt.Errorf("%w: backoff exceeds max backoff", ErrRetryPolicyInvalid)
	}

	return nil
}

// Registration binds a handler to an event name.
type Registration struct {
	// HandlerID keys the processing log and the circuit breaker, so it must
	// survive restarts. When empty it is "<module>.<event>"; a module
	// registering more than one handler for an event must name them.
	HandlerID string
	ModuleID  string
	Handler   Handler
	// RetryPolicy falls back to the registry defaults when nil.
	RetryPolicy *RetryPolicy
	// Timeout falls back to the registry default when zero.
	Timeout time.Duration
	// IdempotencyKey derives the processing-log key. When nil the event id is used.
	IdempotencyKey func(ev event.Event) string
	// RetryClassifier marks handler errors that must not be retried.
	RetryClassifier event.RetryClassifier
}

// Policy returns the effective retry policy.
func (r Registration) Policy() RetryPolicy {
	if r.RetryPolicy == nil {
		return RetryPolicy{MaxRetries: outbox.DefaultMaxRetries}
	}

	return *r.RetryPolicy
}

// Key returns the idempotency key for ev.
func (r Registration) Key(ev event.Event) string {
	if r.IdempotencyKey != nil {
		if key := strings.TrimSpace(r.IdempotencyKey(ev)); key != "" {
			return key
		}
	}

	return "event:" + ev.ID().String()
}

// IsNonRetryable reports whether err must skip the retry budget.
func (r Registration) IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	if event.IsNonRetryable(err) {
		return true
	}

	return r.RetryClassifier != nil && r.RetryClassifier.IsNonRetryable(err)
}

// Defaults are applied to registrations that leave retry or timeout unset.
type Defaults struct {
	Retry   RetryPolicy
	Timeout time.Duration
}

// DefaultDefaults returns the built-in registration defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Retry: RetryPolicy{
			MaxRetries:  outbox.DefaultMaxRetries,
			Backoff:     defaultBackoff,
			MaxBackoff:  defaultMaxBackoff,
			Exponential: true,
			Jitter:      true,
		},
		Timeout: defaultHandlerTimeout,
	}
}

// Registry holds the process-local handler table.
type Registry struct {
	mu       sync.RWMutex
	defaults Defaults
	handlers map[string][]Registration
}

// New creates an empty registry.
func New(defaults Defaults) *Registry {
	if defaults.Timeout <= 0 {
		defaults.Timeout = defaultHandlerTimeout
	}

	return &Registry{
		defaults: defaults,
		handlers: make(map[string][]Registration),
	}
}

// Defaults returns the registration defaults.
func (r *Registry) Defaults() Defaults {
	if r == nil {
		return DefaultDefaults()
	}

	return r.defaults
}

// Register adds reg for eventName and returns its handler id.
func (r *Registry) Register(eventName string, reg Registration) (string, error) {
	if r == nil {
		return "", ErrRegistryRequired
	}

	eventName = strings.TrimSpace(eventName)
	if _, _, err := event.ParseName(eventName); err != nil {
		return "", err
	}

	if reg.Handler == nil {
		return "", ErrHandlerRequired
	}

	reg.ModuleID = strings.TrimSpace(reg.ModuleID)
	if reg.ModuleID == "" {
		return "", ErrModuleIDRequired
	}

	if reg.RetryPolicy == nil {
		policy := r.defaults.Retry
		reg.RetryPolicy = &policy
	} else {
		policy := *reg.RetryPolicy
		reg.RetryPolicy = &policy
	}

	if err := reg.RetryPolicy.validate(); err != nil {
		return "", err
	}

	if reg.Timeout <= 0 {
		reg.Timeout = r.defaults.Timeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.handlers[eventName]

	reg.HandlerID = strings.TrimSpace(reg.HandlerID)
	if reg.HandlerID == "" {
		reg.HandlerID = DefaultHandlerID(eventName, reg.ModuleID)

		if indexOf(existing, reg.HandlerID) >= 0 {
			return "", fmt.Errorf("%w: %s %s", ErrHandlerIDRequired, eventName, reg.ModuleID)
		}
	} else if indexOf(existing, reg.HandlerID) >= 0 {
		return "", fmt.Errorf("%w: %s %s", ErrHandlerAlreadyRegistered, eventName, reg.HandlerID)
	}

	r.handlers[eventName] = append(existing, reg)

	return reg.HandlerID, nil
}

// DefaultHandlerID is the id given to a registration without one.
func DefaultHandlerID(eventName, moduleID string) string {
	return moduleID + "." + eventName
}

// Unregister removes handlerID from eventName.
func (r *Registry) Unregister(eventName, handlerID string) error {
	if r == nil {
		return ErrRegistryRequired
	}

	eventName = strings.TrimSpace(eventName)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.handlers[eventName]

	idx := indexOf(existing, handlerID)
	if idx < 0 {
		return fmt.Errorf("%w: %s %s", ErrHandlerNotRegistered, eventName, handlerID)
	}

	remaining := make([]Registration, 0, len(existing)-1)
	remaining = append(remaining, existing[:idx]...)
	remaining = append(remaining, existing[idx+1:]...)

	if len(remaining) == 0 {
		delete(r.handlers, eventName)
	} else {
		r.handlers[eventName] = remaining
	}

	return nil
}

// Handlers returns the registrations for eventName in registration order.
func (r *Registry) Handlers(eventName string) []Registration {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[eventName]
	if len(regs) == 0 {
		return nil
	}

	out := make([]Registration, len(regs))
	copy(out, regs)

	return out
}

// EventNames lists every event name with at least one handler.
func (r *Registry) EventNames() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}

	return names
}

// MaxRetries returns the largest retry budget among the handlers of eventName.
func (r *Registry) MaxRetries(eventName string) (int, bool) {
	regs := r.Handlers(eventName)
	if len(regs) == 0 {
		return 0, false
	}

	maxRetries := 0
	for _, reg := range regs {
		maxRetries = max(maxRetries, reg.Policy().MaxRetries)
	}

	return maxRetries, true
}

// Lookup returns the registration handlerID of eventName.
func (r *Registry) Lookup(eventName, handlerID string) (Registration, bool) {
	regs := r.Handlers(eventName)

	idx := indexOf(regs, handlerID)
	if idx < 0 {
		return Registration{}, false
	}

	return regs[idx], true
}

func indexOf(regs []Registration, handlerID string) int {
	for i, reg := range regs {
		if reg.HandlerID == handlerID {
			return i
		}
	}

	return -1
}
