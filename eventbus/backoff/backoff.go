package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Policy describes how long a failed delivery waits before its next attempt.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps every computed delay. Zero means uncapped.
	Max time.Duration
	// Exponential doubles Base per retry when true; otherwise the delay stays at Base.
	Exponential bool
	// Jitter multiplies the delay by a random factor in [0.5, 1.5].
	Jitter bool
}

// Delay returns the wait before the next attempt after retryCount failures.
// Without jitter the result is non-decreasing in retryCount and never exceeds Max.
func (p Policy) Delay(retryCount int) time.Duration {
	delay := p.Base
	if p.Exponential {
		delay = Exponential(p.Base, retryCount)
	}

	delay = Capped(delay, p.Max)

	if p.Jitter {
		delay = Capped(ScaleJitter(delay), p.Max)
	}

	return delay
}

// Exponential calculates base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// Capped limits delay to ceiling. A non-positive ceiling disables the cap.
func Capped(delay, ceiling time.Duration) time.Duration {
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}

	return delay
}

// ScaleJitter returns delay multiplied by a random factor in [0.5, 1.5).
func ScaleJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	half := delay / 2
	if half > time.Duration(math.MaxInt64)-delay {
		return time.Duration(math.MaxInt64)
	}

	return half + FullJitter(delay)
}

// FullJitter returns a random duration in the range [0, delay).
// Uses crypto/rand, falling back to math/rand if crypto fails.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

func fallbackRand(maxValue int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return maxValue / 2
	}

	rng := mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0)) // #nosec G404 -- fallback only

	return rng.Int64N(maxValue)
}

// SleepWithContext sleeps for duration but returns early when ctx is done.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
