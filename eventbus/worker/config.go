package worker

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval          = time.Second
	defaultBatchSize             = 100
	defaultConcurrency           = 10
	defaultProcessingTimeout     = 5 * time.Minute
	defaultStuckSweepProbability = 0.1
	// DefaultSweepLockKey is the distributed lock taken around the stuck sweep.
	DefaultSweepLockKey = "eventbus:stuck-sweep"
	// SweepReason is recorded as the failure of every record reclaimed by the sweep.
	SweepReason = "processing timeout: reclaimed by sweep"
)

// Config tunes the worker loop.
type Config struct {
	// PollInterval is the pause between cycles that claimed less than a full batch.
	PollInterval time.Duration
	// BatchSize is the maximum number of records claimed per cycle.
	BatchSize int
	// Concurrency is the maximum number of records processed at once.
	Concurrency int
	// ProcessingTimeout is how long a record may stay processing before the
	// sweep reclaims it as orphaned.
	ProcessingTimeout time.Duration
	// StuckSweepProbability is the chance in [0, 1] that a cycle runs the sweep.
	StuckSweepProbability float64
	SweepLockKey          string
	MeterProvider         metric.MeterProvider
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:          defaultPollInterval,
		BatchSize:             defaultBatchSize,
		Concurrency:           defaultConcurrency,
		ProcessingTimeout:     defaultProcessingTimeout,
		StuckSweepProbability: defaultStuckSweepProbability,
		SweepLockKey:          DefaultSweepLockKey,
	}
}

func (cfg *Config) normalize() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaultProcessingTimeout
	}

	cfg.StuckSweepProbability = min(max(cfg.StuckSweepProbability, 0), 1)

	if cfg.SweepLockKey == "" {
		cfg.SweepLockKey = DefaultSweepLockKey
	}
}
