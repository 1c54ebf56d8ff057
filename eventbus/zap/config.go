package zap

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultService is the service field attached when Config.Service is empty.
const DefaultService = "eventbus"

const instrumentationScope = "github.com/LerianStudio/lib-eventbus"

var (
	// ErrInvalidEnvironment is returned for an environment outside the known profiles.
	ErrInvalidEnvironment = errors.New("invalid logger environment")
	// ErrInvalidLevel is returned when the configured level cannot be parsed.
	ErrInvalidLevel = errors.New("invalid logger level")
)

// Environment selects the encoder profile and the default level.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// IsProduction reports whether error details should be redacted from logs.
func (e Environment) IsProduction() bool {
	return e == EnvironmentProduction || e == EnvironmentStaging
}

func (e Environment) verbose() bool {
	return e == EnvironmentDevelopment || e == EnvironmentLocal
}

// Config holds the inputs for New. Empty Service and OTelLibraryName fall back
// to package defaults.
type Config struct {
	Environment     Environment
	Level           string
	Service         string
	OTelLibraryName string
}

func (c Config) withDefaults() Config {
	c.Service = strings.TrimSpace(c.Service)
	if c.Service == "" {
		c.Service = DefaultService
	}

	c.OTelLibraryName = strings.TrimSpace(c.OTelLibraryName)
	if c.OTelLibraryName == "" {
		c.OTelLibraryName = instrumentationScope
	}

	return c
}

func (c Config) level() (zap.AtomicLevel, error) {
	if strings.TrimSpace(c.Level) == "" {
		if c.Environment.verbose() {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}

		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	level, err := zap.ParseAtomicLevel(strings.ToLower(strings.TrimSpace(c.Level)))
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("%w %q: %w", ErrInvalidLevel, c.Level, err)
	}

	return level, nil
}

// New builds a JSON logger whose entries are also forwarded to the
// OpenTelemetry log bridge and tagged with the service name.
func New(cfg Config) (*Logger, error) {
	cfg = cfg.withDefaults()

	switch cfg.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEnvironment, cfg.Environment)
	}

	level, err := cfg.level()
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Environment.verbose() {
		zapCfg = zap.NewDevelopmentConfig()
	}

	zapCfg.Encoding = "json"
	zapCfg.Level = level
	zapCfg.DisableStacktrace = true
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	built, err := zapCfg.Build(
		zap.AddCallerSkip(1),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{logger: built.With(zap.String("service", cfg.Service)), atomicLevel: level}, nil
}
