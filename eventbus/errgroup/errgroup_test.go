//go:build unit

package errgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	grp, ctx := WithContext(context.Background())
	boom := errors.New("boom")

	grp.Go(func() error { return boom })
	grp.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.ErrorIs(t, grp.Wait(), boom)
	assert.Error(t, ctx.Err())
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	grp, _ := WithContext(context.Background())
	grp.Go(func() error { panic("kaput") })

	err := grp.Wait()
	require.ErrorIs(t, err, ErrPanicRecovered)
	assert.Contains(t, err.Error(), "kaput")
}

func TestSetLimitBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var grp Group
	grp.SetLimit(3)

	var inFlight, peak atomic.Int32

	for i := 0; i < 20; i++ {
		grp.Go(func() error {
			current := inFlight.Add(1)
			for {
				old := peak.Load()
				if current <= old || peak.CompareAndSwap(old, current) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)

			return nil
		})
	}

	require.NoError(t, grp.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestZeroValueGroup(t *testing.T) {
	t.Parallel()

	var grp Group

	var ran atomic.Bool

	grp.Go(func() error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, grp.Wait())
	assert.True(t, ran.Load())
}
