package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
)

// ErrPanicRecovered is returned when a goroutine in the group panics.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group manages goroutines that share a cancellation context.
// The first error cancels the group context and is returned by Wait.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
	errOnce sync.Once
	err     error
	logger  libLog.Logger
}

// WithContext returns a new Group and a derived context that is canceled when
// the first goroutine fails or when Wait returns.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger sets the logger used to report recovered panics.
func (grp *Group) SetLogger(logger libLog.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// SetLimit bounds the number of goroutines running at once. Go blocks while
// the limit is reached. n <= 0 removes the limit. Must not be called while
// goroutines are active.
func (grp *Group) SetLimit(n int) {
	if n <= 0 {
		grp.sem = nil
		return
	}

	if len(grp.sem) != 0 {
		panic(fmt.Errorf("errgroup: modify limit while %d goroutines in the group are still active", len(grp.sem)))
	}

	grp.sem = make(chan struct{}, n)
}

func (grp *Group) effectiveCtx() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}

// Go starts fn in a new goroutine, waiting for a free slot when a limit is set.
func (grp *Group) Go(fn func() error) {
	if grp.sem != nil {
		grp.sem <- struct{}{}
	}

	grp.wg.Add(1)

	go func() {
		defer grp.done()
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.effectiveCtx(), grp.logger, recovered, "errgroup", "group.Go")
				grp.fail(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			grp.fail(err)
		}
	}()
}

func (grp *Group) done() {
	if grp.sem != nil {
		<-grp.sem
	}

	grp.wg.Done()
}

func (grp *Group) fail(err error) {
	grp.errOnce.Do(func() {
		grp.err = err
		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

// Wait blocks until all goroutines complete and returns the first error.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}
