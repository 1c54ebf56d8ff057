package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/bus"
	"github.com/LerianStudio/lib-eventbus/eventbus/circuitbreaker"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
	"github.com/LerianStudio/lib-eventbus/eventbus/worker"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Prefix is prepended to every environment variable name.
const Prefix = "EVENTBUS_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid event bus configuration")

// Config is the environment surface of an event bus process.
type Config struct {
	Enabled                  bool    `env:"ENABLED" envDefault:"true"`
	PollingIntervalMs        int     `env:"OUTBOX_POLLING_INTERVAL_MS" envDefault:"1000" validate:"gt=0"`
	DefaultMaxRetries        int     `env:"DEFAULT_MAX_RETRIES" envDefault:"5" validate:"gte=0"`
	DefaultBackoffMs         int     `env:"DEFAULT_BACKOFF_MS" envDefault:"1000" validate:"gte=0"`
	MaxBackoffMs             int     `env:"MAX_BACKOFF_MS" envDefault:"300000" validate:"gtefield=DefaultBackoffMs"`
	ExponentialBackoff       bool    `env:"EXPONENTIAL_BACKOFF" envDefault:"true"`
	BackoffJitter            bool    `env:"BACKOFF_JITTER" envDefault:"true"`
	DefaultHandlerTimeoutMs  int     `env:"DEFAULT_HANDLER_TIMEOUT_MS" envDefault:"30000" validate:"gt=0"`
	MaxPayloadSizeBytes      int     `env:"MAX_PAYLOAD_SIZE_BYTES" envDefault:"1048576" validate:"gt=0"`
	ImmediateProcessing      bool    `env:"IMMEDIATE_PROCESSING" envDefault:"false"`
	CircuitBreakerThreshold  uint32  `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5" validate:"gt=0"`
	CircuitBreakerWindowMs   int     `env:"CIRCUIT_BREAKER_WINDOW_MS" envDefault:"60000" validate:"gt=0"`
	CircuitBreakerRecoveryMs int     `env:"CIRCUIT_BREAKER_RECOVERY_MS" envDefault:"30000" validate:"gt=0"`
	QueryTimeoutMs           int     `env:"QUERY_TIMEOUT_MS" envDefault:"5000" validate:"gt=0"`
	BatchSize                int     `env:"BATCH_SIZE" envDefault:"100" validate:"gt=0,lte=10000"`
	Concurrency              int     `env:"CONCURRENCY" envDefault:"10" validate:"gt=0,lte=1000"`
	StuckTimeoutMinutes      int     `env:"STUCK_TIMEOUT_MINUTES" envDefault:"5" validate:"gt=0"`
	StuckSweepProbability    float64 `env:"STUCK_SWEEP_PROBABILITY" envDefault:"0.1" validate:"gte=0,lte=1"`
	ShutdownTimeoutSeconds   int     `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30" validate:"gt=0"`

	StoreDriver        string   `env:"STORE_DRIVER" envDefault:"memory" validate:"oneof=memory sqlite postgres"`
	SQLitePath         string   `env:"SQLITE_PATH" envDefault:"eventbus.db" validate:"required_if=StoreDriver sqlite"`
	PostgresPrimaryDSN string   `env:"POSTGRES_PRIMARY_DSN" validate:"required_if=StoreDriver postgres"`
	PostgresReplicaDSN string   `env:"POSTGRES_REPLICA_DSN"`
	PostgresSchema     string   `env:"POSTGRES_SCHEMA"`
	RedisAddr          []string `env:"REDIS_ADDR" envSeparator:","`
	RedisPassword      string   `env:"REDIS_PASSWORD"`
	AdminAddr          string   `env:"ADMIN_ADDR" envDefault:":8089"`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn warning error"`
	EnvName            string   `env:"ENV_NAME" envDefault:"development"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{Prefix: Prefix})
}

// LoadFromMap reads the configuration from values, keyed by full variable name.
func LoadFromMap(values map[string]string) (*Config, error) {
	return load(env.Options{Prefix: Prefix, Environment: values})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks every field constraint.
func (cfg *Config) Validate() error {
	vld := validator.New(validator.WithRequiredStructEnabled())

	if err := vld.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}

		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}

	return nil
}

// Production reports whether the process runs in a production environment.
func (cfg *Config) Production() bool {
	return strings.EqualFold(cfg.EnvName, "production")
}

// Level returns the parsed log level.
func (cfg *Config) Level() libLog.Level {
	level, err := libLog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return libLog.LevelInfo
	}

	return level
}

// PollInterval returns the worker polling interval.
func (cfg *Config) PollInterval() time.Duration {
	return ms(cfg.PollingIntervalMs)
}

// ShutdownTimeout bounds the graceful drain.
func (cfg *Config) ShutdownTimeout() time.Duration {
	return time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
}

// BusConfig converts to the bus configuration.
func (cfg *Config) BusConfig() bus.Config {
	return bus.Config{
		Enabled:             cfg.Enabled,
		ImmediateProcessing: cfg.ImmediateProcessing,
		MaxPayloadBytes:     cfg.MaxPayloadSizeBytes,
		DefaultMaxRetries:   cfg.DefaultMaxRetries,
		DefaultQueryTimeout: ms(cfg.QueryTimeoutMs),
		CircuitBreaker: circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerThreshold,
			Window:           ms(cfg.CircuitBreakerWindowMs),
			Recovery:         ms(cfg.CircuitBreakerRecoveryMs),
		},
		Production: cfg.Production(),
	}
}

// RegistryDefaults converts to the handler registration defaults.
func (cfg *Config) RegistryDefaults() registry.Defaults {
	return registry.Defaults{
		Retry: registry.RetryPolicy{
			MaxRetries:  cfg.DefaultMaxRetries,
			Backoff:     ms(cfg.DefaultBackoffMs),
			MaxBackoff:  ms(cfg.MaxBackoffMs),
			Exponential: cfg.ExponentialBackoff,
			Jitter:      cfg.BackoffJitter,
		},
		Timeout: ms(cfg.DefaultHandlerTimeoutMs),
	}
}

// WorkerConfig converts to the worker configuration.
func (cfg *Config) WorkerConfig() worker.Config {
	wc := worker.DefaultConfig()
	wc.PollInterval = cfg.PollInterval()
	wc.BatchSize = cfg.BatchSize
	wc.Concurrency = cfg.Concurrency
	wc.ProcessingTimeout = time.Duration(cfg.StuckTimeoutMinutes) * time.Minute
	wc.StuckSweepProbability = cfg.StuckSweepProbability

	return wc
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
