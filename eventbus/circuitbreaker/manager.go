package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
	"github.com/sony/gobreaker"
)

// Manager owns one breaker per key. Keys are created lazily on first use.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	defaults  Config
	logger    libLog.Logger
}

// NewManager creates a manager whose breakers use defaults unless GetOrCreate
// is called with an explicit config first.
func NewManager(logger libLog.Logger, defaults Config) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		defaults: defaults.normalize(),
		logger:   libLog.OrNop(logger),
	}
}

// Key builds the breaker key for a handler of an event.
func Key(eventName, handlerID string) string {
	return eventName + "/" + handlerID
}

// GetOrCreate returns the breaker for key, creating it with cfg if absent.
func (m *Manager) GetOrCreate(key string, cfg Config) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[key]
	m.mu.RUnlock()

	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[key]; exists {
		return breaker
	}

	cfg = cfg.normalize()
	breaker = m.newBreaker(key, cfg)
	m.breakers[key] = breaker
	m.configs[key] = cfg

	m.logger.Log(context.Background(), libLog.LevelDebug, "circuit breaker created",
		libLog.String("breaker", key),
		libLog.Int("failure_threshold", int(cfg.FailureThreshold)),
	)

	return breaker
}

func (m *Manager) newBreaker(key string, cfg Config) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			m.handleStateChange(key, from, to)
		},
	})
}

// Execute runs fn through the breaker for key. Rejected calls return an error
// wrapping ErrOpen and fn is not invoked.
func (m *Manager) Execute(key string, fn func() error) error {
	breaker := m.GetOrCreate(key, m.defaults)

	_, err := breaker.Execute(func() (any, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %s", ErrOpen, key, err.Error())
	}

	return err
}

// State returns the current state for key, StateUnknown when never used.
func (m *Manager) State(key string) State {
	m.mu.RLock()
	breaker, exists := m.breakers[key]
	m.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertState(breaker.State())
}

// Counts returns the counters for key.
func (m *Manager) Counts(key string) Counts {
	m.mu.RLock()
	breaker, exists := m.breakers[key]
	m.mu.RUnlock()

	if !exists {
		return Counts{}
	}

	return convertCounts(breaker.Counts())
}

// States snapshots every known breaker state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	snapshot := make(map[string]*gobreaker.CircuitBreaker, len(m.breakers))
	for key, breaker := range m.breakers {
		snapshot[key] = breaker
	}
	m.mu.RUnlock()

	out := make(map[string]State, len(snapshot))
	for key, breaker := range snapshot {
		out[key] = convertState(breaker.State())
	}

	return out
}

// Reset replaces the breaker for key with a fresh closed one.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, exists := m.configs[key]
	if !exists {
		return
	}

	m.breakers[key] = m.newBreaker(key, cfg)

	m.logger.Log(context.Background(), libLog.LevelInfo, "circuit breaker reset", libLog.String("breaker", key))
}

// RegisterStateChangeListener registers a listener for state change notifications.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *Manager) handleStateChange(key string, from gobreaker.State, to gobreaker.State) {
	level := libLog.LevelInfo
	if to == gobreaker.StateOpen {
		level = libLog.LevelWarn
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		libLog.String("breaker", key),
		libLog.String("from", from.String()),
		libLog.String("to", to.String()),
	)

	fromState, toState := convertState(from), convertState(to)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		l := listener

		runtime.SafeGo(context.Background(), m.logger, "circuitbreaker", "state_change_listener", func(context.Context) {
			l.OnStateChange(key, fromState, toState)
		})
	}
}
