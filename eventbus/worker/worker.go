package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus"
	"github.com/LerianStudio/lib-eventbus/eventbus/backoff"
	"github.com/LerianStudio/lib-eventbus/eventbus/bus"
	"github.com/LerianStudio/lib-eventbus/eventbus/errgroup"
	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/middleware"
	libOpentelemetry "github.com/LerianStudio/lib-eventbus/eventbus/opentelemetry"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrWorkerRequired = errors.New("worker is required")
	ErrBusRequired    = errors.New("event bus is required")
	ErrWorkerRunning  = errors.New("worker is already running")
)

// SweepLocker serializes the stuck sweep across processes. TryLock reports
// acquired=false without error when another process holds key.
type SweepLocker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, acquired bool, err error)
}

// CycleResult counts what one worker cycle did.
type CycleResult struct {
	Reclaimed         int
	Claimed           int
	Completed         int
	Retried           int
	DeadLettered      int
	StateUpdateFailed int
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeDeadLettered
	outcomeStateUpdateFailed
)

// Worker polls the outbox and delivers claimed records through the bus.
type Worker struct {
	bus        *bus.Bus
	store      outbox.Store
	registry   *registry.Registry
	cfg        Config
	logger     libLog.Logger
	tracer     trace.Tracer
	locker     SweepLocker
	random     func() float64
	production bool
	metrics    workerMetrics

	mu       sync.Mutex
	running  bool
	stopped  bool
	stop     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup

	idleWarned atomic.Bool
}

var _ eventbus.App = (*Worker)(nil)

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger libLog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithTracer sets the tracer for cycle and record spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Worker) {
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

// WithSweepLocker makes the stuck sweep run under a distributed lock.
func WithSweepLocker(locker SweepLocker) Option {
	return func(w *Worker) {
		if locker != nil {
			w.locker = locker
		}
	}
}

// WithRandom replaces the source deciding whether a cycle sweeps.
func WithRandom(random func() float64) Option {
	return func(w *Worker) {
		if random != nil {
			w.random = random
		}
	}
}

// New builds a worker draining the outbox of b.
func New(b *bus.Bus, cfg Config, opts ...Option) (*Worker, error) {
	if b == nil {
		return nil, ErrBusRequired
	}

	cfg.normalize()

	w := &Worker{
		bus:        b,
		store:      b.Store(),
		registry:   b.Registry(),
		cfg:        cfg,
		logger:     libLog.NewNop(),
		tracer:     otel.Tracer("eventbus.worker"),
		random:     rand.Float64,
		production: b.Config().Production,
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	metrics, err := newWorkerMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init worker metrics: %w", err)
	}

	w.metrics = metrics

	return w, nil
}

// Config returns the effective configuration.
func (w *Worker) Config() Config {
	return w.cfg
}

// Run runs the loop until Stop is called.
func (w *Worker) Run(launcher *eventbus.Launcher) error {
	return w.RunContext(context.Background(), launcher)
}

// RunContext runs the loop until Stop is called or ctx is cancelled. A cycle
// that claimed a full batch is followed immediately by the next one.
func (w *Worker) RunContext(ctx context.Context, launcher *eventbus.Launcher) error {
	if w == nil {
		return ErrWorkerRequired
	}

	if !w.bus.Config().Enabled {
		w.logger.Log(ctx, libLog.LevelInfo, "event bus disabled; worker not started")
		return nil
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWorkerRunning
	}

	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, libLog.LevelInfo, "outbox worker started")
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox worker stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, w.logger, "eventbus.worker", "run")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		result := w.ProcessOnce(ctx)

		next := w.cfg.PollInterval
		if result.Claimed >= w.cfg.BatchSize {
			next = 0
		}

		timer.Reset(next)
	}
}

// Stop stops claiming new batches. In-flight records keep running.
func (w *Worker) Stop() {
	if w == nil {
		return
	}

	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()

		close(w.stop)
	})
}

// Shutdown stops the worker and waits for in-flight records until ctx ends.
func (w *Worker) Shutdown(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.Stop()

	done := make(chan struct{})

	runtime.SafeGo(context.WithoutCancel(ctx), w.logger, "eventbus.worker", "shutdown_wait", func(context.Context) {
		w.inflight.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker shutdown: %w", ctx.Err())
	}
}

// ProcessOnce runs one cycle: the occasional stuck sweep, one claim, and
// delivery of the claimed records. Claimed records are delivered on a context
// detached from ctx so cancellation never strands them in processing.
// With an empty registry the cycle only sweeps and claims nothing.
func (w *Worker) ProcessOnce(ctx context.Context) CycleResult {
	if w == nil {
		return CycleResult{}
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return CycleResult{}
	}

	w.inflight.Add(1)
	w.mu.Unlock()

	defer w.inflight.Done()

	start := time.Now()

	ctx, span := w.tracer.Start(ctx, "eventbus.worker.cycle")
	defer span.End()

	var result CycleResult

	if w.cfg.StuckSweepProbability > 0 && w.random() < w.cfg.StuckSweepProbability {
		reclaimed, err := w.SweepStuck(ctx)
		if err != nil {
			libLog.SafeError(w.logger, ctx, "stuck sweep failed", err, w.production)
		}

		result.Reclaimed = reclaimed
	}

	if len(w.registry.EventNames()) == 0 {
		if !w.idleWarned.Swap(true) {
			w.logger.Log(ctx, libLog.LevelWarn, "no handlers registered; outbox records are left pending for a process that hosts them")
		}

		return result
	}

	records, err := w.store.ClaimBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "claim batch failed", err)
		libLog.SafeError(w.logger, ctx, "failed to claim outbox batch", err, w.production)

		return result
	}

	result.Claimed = len(records)
	w.metrics.batchSize.Record(ctx, int64(len(records)))

	if len(records) > 0 {
		w.deliver(context.WithoutCancel(ctx), records, &result)
	}

	span.SetAttributes(
		attribute.Int("eventbus.cycle.claimed", result.Claimed),
		attribute.Int("eventbus.cycle.completed", result.Completed),
		attribute.Int("eventbus.cycle.retried", result.Retried),
		attribute.Int("eventbus.cycle.dead_lettered", result.DeadLettered),
		attribute.Int("eventbus.cycle.reclaimed", result.Reclaimed),
	)

	w.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())

	return result
}

func (w *Worker) deliver(ctx context.Context, records []*outbox.Record, result *CycleResult) {
	var mu sync.Mutex

	group, _ := errgroup.WithContext(ctx)
	group.SetLogger(w.logger)
	group.SetLimit(w.cfg.Concurrency)

	for _, rec := range records {
		group.Go(func() error {
			out := w.processRecord(ctx, rec)

			mu.Lock()
			defer mu.Unlock()

			switch out {
			case outcomeCompleted:
				result.Completed++
			case outcomeRetried:
				result.Retried++
			case outcomeDeadLettered:
				result.DeadLettered++
			case outcomeStateUpdateFailed:
				result.StateUpdateFailed++
			}

			return nil
		})
	}

	_ = group.Wait()
}

func (w *Worker) processRecord(ctx context.Context, rec *outbox.Record) outcome {
	ctx, span := w.tracer.Start(ctx, "eventbus.worker.record", trace.WithAttributes(
		attribute.String("eventbus.event_name", rec.EventName),
		attribute.String("eventbus.outbox_id", rec.ID.String()),
		attribute.Int("eventbus.attempt", rec.Attempt()),
	))
	defer span.End()

	if rec.TenantID != "" {
		ctx = outbox.ContextWithTenantID(ctx, rec.TenantID)
	}

	ev := rec.Event()

	dispatchErr := w.bus.Dispatch(ctx, ev)
	if dispatchErr == nil {
		if err := w.store.MarkCompleted(ctx, rec.ID); err != nil {
			return w.stateUpdateFailed(ctx, span, rec, "mark completed", err)
		}

		w.metrics.completed.Add(ctx, 1)

		return outcomeCompleted
	}

	libOpentelemetry.HandleSpanError(span, "dispatch failed", dispatchErr)

	fields := []libLog.Field{
		libLog.EventName(rec.EventName),
		libLog.OutboxID(rec.ID),
		libLog.RetryCount(rec.RetryCount),
	}

	if handlerErr, ok := middleware.AsHandlerError(dispatchErr); ok {
		fields = append(fields, libLog.HandlerID(handlerErr.HandlerID))
	}

	policy, nonRetryable := w.failurePolicy(ev, dispatchErr)

	if nonRetryable {
		if err := w.store.MarkDeadLetter(ctx, rec.ID, dispatchErr.Error()); err != nil {
			return w.stateUpdateFailed(ctx, span, rec, "mark dead letter", err)
		}

		libLog.SafeError(w.logger, ctx, "non-retryable failure; record dead-lettered", dispatchErr, w.production, fields...)
		w.metrics.deadLettered.Add(ctx, 1)

		return outcomeDeadLettered
	}

	willRetry, err := w.store.MarkFailed(ctx, rec.ID, dispatchErr.Error(), policy)
	if err != nil {
		return w.stateUpdateFailed(ctx, span, rec, "mark failed", err)
	}

	if willRetry {
		libLog.SafeError(w.logger, ctx, "delivery failed; record rescheduled", dispatchErr, w.production, fields...)
		w.metrics.retried.Add(ctx, 1)

		return outcomeRetried
	}

	libLog.SafeError(w.logger, ctx, "retries exhausted; record dead-lettered", dispatchErr, w.production, fields...)
	w.metrics.deadLettered.Add(ctx, 1)

	return outcomeDeadLettered
}

// failurePolicy resolves the backoff and retryability of a dispatch failure
// from the handler that produced it, falling back to the registry defaults.
func (w *Worker) failurePolicy(ev event.Event, err error) (backoff.Policy, bool) {
	if handlerErr, ok := middleware.AsHandlerError(err); ok {
		if reg, found := w.registry.Lookup(ev.Name(), handlerErr.HandlerID); found {
			// A held reservation always clears, so it is never permanent.
			return reg.Policy().BackoffPolicy(), handlerErr.Kind != middleware.KindInProgress && reg.IsNonRetryable(handlerErr.Err)
		}
	}

	return w.registry.Defaults().Retry.BackoffPolicy(), event.IsNonRetryable(err)
}

func (w *Worker) eventPolicy(eventName string) backoff.Policy {
	if regs := w.registry.Handlers(eventName); len(regs) > 0 {
		return regs[0].Policy().BackoffPolicy()
	}

	return w.registry.Defaults().Retry.BackoffPolicy()
}

func (w *Worker) stateUpdateFailed(ctx context.Context, span trace.Span, rec *outbox.Record, op string, err error) outcome {
	if errors.Is(err, outbox.ErrStateTransitionConflict) {
		w.logger.Log(ctx, libLog.LevelDebug, "record settled elsewhere; skipping",
			libLog.OutboxID(rec.ID),
			libLog.String("operation", op))

		return outcomeStateUpdateFailed
	}

	libOpentelemetry.HandleSpanError(span, "failed to "+op, err)
	libLog.SafeError(w.logger, ctx, "failed to "+op+"; record left for the stuck sweep", err, w.production,
		libLog.EventName(rec.EventName),
		libLog.OutboxID(rec.ID))

	return outcomeStateUpdateFailed
}

// SweepStuck returns records stuck in processing longer than the processing
// timeout to the retry cycle, counting one failed attempt each. With a
// SweepLocker only the lock holder sweeps. It returns how many were reclaimed.
func (w *Worker) SweepStuck(ctx context.Context) (int, error) {
	if w == nil {
		return 0, ErrWorkerRequired
	}

	ctx, span := w.tracer.Start(ctx, "eventbus.worker.sweep")
	defer span.End()

	if w.locker != nil {
		unlock, acquired, err := w.locker.TryLock(ctx, w.cfg.SweepLockKey)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "sweep lock failed", err)
			return 0, fmt.Errorf("acquire sweep lock: %w", err)
		}

		if !acquired {
			return 0, nil
		}

		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				w.logger.Log(ctx, libLog.LevelWarn, "failed to release sweep lock", libLog.Err(err))
			}
		}()
	}

	stuck, err := w.store.FindStuck(ctx, w.cfg.ProcessingTimeout, w.cfg.BatchSize)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "find stuck failed", err)
		return 0, fmt.Errorf("find stuck records: %w", err)
	}

	reclaimed := 0

	for _, rec := range stuck {
		willRetry, err := w.store.MarkFailed(ctx, rec.ID, SweepReason, w.eventPolicy(rec.EventName))
		if err != nil {
			if !errors.Is(err, outbox.ErrStateTransitionConflict) {
				libLog.SafeError(w.logger, ctx, "failed to reclaim stuck record", err, w.production,
					libLog.OutboxID(rec.ID))
			}

			continue
		}

		reclaimed++

		if willRetry {
			w.metrics.retried.Add(ctx, 1)
		} else {
			w.metrics.deadLettered.Add(ctx, 1)
		}

		w.logger.Log(ctx, libLog.LevelWarn, "reclaimed stuck record",
			libLog.EventName(rec.EventName),
			libLog.OutboxID(rec.ID),
			libLog.Bool("will_retry", willRetry))
	}

	span.SetAttributes(attribute.Int("eventbus.sweep.reclaimed", reclaimed))

	return reclaimed, nil
}
