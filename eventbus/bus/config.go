package bus

import (
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/circuitbreaker"
	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
)

const defaultQueryTimeout = 5 * time.Second

// Config controls emission and query behavior.
type Config struct {
	// Enabled turns Emit into a no-op and makes Query fail when false.
	Enabled bool
	// ImmediateProcessing dispatches synchronously and skips the outbox.
	// It has no durability and no retries.
	ImmediateProcessing bool
	MaxPayloadBytes     int
	// DefaultMaxRetries applies when neither the emitter nor any handler sets a budget.
	DefaultMaxRetries   int
	DefaultQueryTimeout time.Duration
	CircuitBreaker      circuitbreaker.Config
	// Production enables sanitized error logging.
	Production bool
}

// DefaultConfig returns the baseline bus configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MaxPayloadBytes:     event.DefaultMaxPayloadBytes,
		DefaultMaxRetries:   outbox.DefaultMaxRetries,
		DefaultQueryTimeout: defaultQueryTimeout,
		CircuitBreaker:      circuitbreaker.DefaultConfig(),
	}
}

func (cfg *Config) normalize() {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = event.DefaultMaxPayloadBytes
	}

	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = outbox.DefaultMaxRetries
	}

	if cfg.DefaultQueryTimeout <= 0 {
		cfg.DefaultQueryTimeout = defaultQueryTimeout
	}
}
