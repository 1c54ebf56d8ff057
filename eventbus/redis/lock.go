package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/go-redsync/redsync/v4"
	redsyncgoredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultLockExpiry bounds how long a crashed holder blocks other processes.
const DefaultLockExpiry = 30 * time.Second

// LockManager hands out single-attempt distributed locks (RedLock via redsync).
type LockManager struct {
	redsync *redsync.Redsync
	expiry  time.Duration
	logger  libLog.Logger
}

// NewLockManager builds a lock manager on client. A non-positive expiry uses DefaultLockExpiry.
func NewLockManager(client goredis.UniversalClient, expiry time.Duration, logger libLog.Logger) (*LockManager, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	if expiry <= 0 {
		expiry = DefaultLockExpiry
	}

	return &LockManager{
		redsync: redsync.New(redsyncgoredis.NewPool(client)),
		expiry:  expiry,
		logger:  libLog.OrNop(logger),
	}, nil
}

// TryLock attempts key once. When acquired the returned function releases it.
// A lock held elsewhere is reported as acquired=false with no error.
func (m *LockManager) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrLockKeyRequired
	}

	if m.expiry <= 0 {
		return nil, false, ErrLockExpiryInvalid
	}

	mutex := m.redsync.NewMutex(key, redsync.WithExpiry(m.expiry), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		msg := err.Error()
		if errors.Is(err, redsync.ErrFailed) ||
			strings.Contains(msg, "lock already taken") ||
			strings.Contains(msg, "failed to acquire lock") {
			m.logger.Log(ctx, libLog.LevelDebug, "lock held by another process", libLog.String("lock_key", key))
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	unlock := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}

		if !ok {
			return fmt.Errorf("release lock %s: lock was not held", key)
		}

		return nil
	}

	return unlock, true, nil
}
