package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultPoolSize    = 10
)

var (
	ErrClientRequired    = errors.New("redis client is required")
	ErrAddressRequired   = errors.New("at least one redis address is required")
	ErrDeliverRequired   = errors.New("reply delivery function is required")
	ErrTransportStarted  = errors.New("reply transport already started")
	ErrTransportClosed   = errors.New("reply transport is closed")
	ErrLockKeyRequired   = errors.New("lock key cannot be empty")
	ErrLockExpiryInvalid = errors.New("lock expiry must be greater than 0")
)

// Config describes how to reach Redis. One address is a standalone server,
// several form a cluster, and MasterName selects a sentinel setup.
type Config struct {
	Addresses   []string
	Password    string
	DB          int
	MasterName  string
	PoolSize    int
	DialTimeout time.Duration
	Logger      libLog.Logger
}

// NewClient builds a universal client for cfg and pings it.
func NewClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	addresses := make([]string, 0, len(cfg.Addresses))

	for _, addr := range cfg.Addresses {
		if addr = strings.TrimSpace(addr); addr != "" {
			addresses = append(addresses, addr)
		}
	}

	if len(addresses) == 0 {
		return nil, ErrAddressRequired
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       addresses,
		Password:    cfg.Password,
		DB:          cfg.DB,
		MasterName:  cfg.MasterName,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	libLog.OrNop(cfg.Logger).Log(ctx, libLog.LevelInfo, "connected to redis",
		libLog.Int("addresses", len(addresses)))

	return client, nil
}
