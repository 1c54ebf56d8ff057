package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when a call is rejected without running because the
// breaker is open, or half-open with its single trial already in flight.
var ErrOpen = errors.New("circuit breaker open")

// Config holds the breaker parameters for one protected handler.
type Config struct {
	// FailureThreshold is the number of failures within Window that opens the breaker.
	FailureThreshold uint32
	// Window is the closed-state counting period. Counts reset at each window boundary.
	Window time.Duration
	// Recovery is how long the breaker stays open before admitting one trial call.
	Recovery time.Duration
}

// DefaultConfig returns threshold 5, window 60s, recovery 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Recovery:         30 * time.Second,
	}
}

func (c Config) normalize() Config {
	defaults := DefaultConfig()

	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}

	if c.Window <= 0 {
		c.Window = defaults.Window
	}

	if c.Recovery <= 0 {
		c.Recovery = defaults.Recovery
	}

	return c
}

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts represents circuit breaker statistics for the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified when a breaker changes state.
type StateChangeListener interface {
	OnStateChange(key string, from State, to State)
}

// StateChangeListenerFunc adapts a function to StateChangeListener.
type StateChangeListenerFunc func(key string, from State, to State)

// OnStateChange calls f.
func (f StateChangeListenerFunc) OnStateChange(key string, from State, to State) {
	f(key, from, to)
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(counts gobreaker.Counts) Counts {
	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
