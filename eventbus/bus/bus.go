package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-eventbus/eventbus/circuitbreaker"
	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/middleware"
	libOpentelemetry "github.com/LerianStudio/lib-eventbus/eventbus/opentelemetry"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Bus emits events into the outbox, dispatches them to registered handlers
// and layers request-reply queries on top.
type Bus struct {
	cfg           Config
	store         outbox.Store
	registry      *registry.Registry
	pipeline      *middleware.Pipeline
	breakers      *circuitbreaker.Manager
	transport     ReplyTransport
	logger        libLog.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	metrics       busMetrics

	mu        sync.Mutex
	waiters   map[string]chan Reply
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	tasks     sync.WaitGroup
}

// New builds a bus over store and reg. When store also implements
// outbox.ProcessingLog the default pipeline tracks idempotency with it.
func New(store outbox.Store, reg *registry.Registry, cfg Config, opts ...Option) (*Bus, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if reg == nil {
		return nil, ErrRegistryRequired
	}

	cfg.normalize()

	b := &Bus{
		cfg:      cfg,
		store:    store,
		registry: reg,
		logger:   libLog.NewNop(),
		tracer:   otel.Tracer("eventbus.bus"),
		waiters:  make(map[string]chan Reply),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	if b.pipeline == nil {
		b.breakers = circuitbreaker.NewManager(b.logger, cfg.CircuitBreaker)

		pipelineOpts := []middleware.Option{
			middleware.WithLogger(b.logger),
			middleware.WithTracer(b.tracer),
			middleware.WithCircuitBreakers(b.breakers),
		}

		if processed, ok := store.(outbox.ProcessingLog); ok {
			pipelineOpts = append(pipelineOpts, middleware.WithProcessingLog(processed))
		}

		b.pipeline = middleware.NewPipeline(pipelineOpts...)
	}

	if b.transport == nil {
		b.transport = NewLocalTransport()
	}

	metrics, err := newBusMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init bus metrics: %w", err)
	}

	b.metrics = metrics

	if err := b.transport.Start(context.Background(), b.deliver); err != nil {
		return nil, fmt.Errorf("start reply transport: %w", err)
	}

	if cfg.Enabled && cfg.ImmediateProcessing {
		b.logger.Log(context.Background(), libLog.LevelWarn,
			"event bus immediate processing enabled: events are dispatched synchronously without durability or retries; do not use in production")
	}

	return b, nil
}

// Registry returns the handler registry.
func (b *Bus) Registry() *registry.Registry {
	return b.registry
}

// Store returns the outbox store.
func (b *Bus) Store() outbox.Store {
	return b.store
}

// Breakers returns the circuit breaker manager of the default pipeline, or nil
// when a custom pipeline was supplied.
func (b *Bus) Breakers() *circuitbreaker.Manager {
	return b.breakers
}

// Config returns the effective configuration.
func (b *Bus) Config() Config {
	return b.cfg
}

// Dispatch runs every handler registered for ev through the pipeline. Handlers
// run independently; the first failure is returned and all failures are logged.
func (b *Bus) Dispatch(ctx context.Context, ev event.Event) error {
	if b == nil {
		return ErrBusRequired
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.bus.dispatch", trace.WithAttributes(
		attribute.String("eventbus.event_name", ev.Name()),
		attribute.String("eventbus.event_id", ev.ID().String()),
	))
	defer span.End()

	regs := b.registry.Handlers(ev.Name())
	if len(regs) == 0 {
		b.logger.Log(ctx, libLog.LevelDebug, "no handlers registered for event",
			libLog.EventName(ev.Name()),
			libLog.EventID(ev.ID()))

		return nil
	}

	var errs []error

	for _, reg := range regs {
		if err := b.pipeline.Wrap(ev.Name(), reg)(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}

	if len(errs) > 1 {
		libLog.SafeError(b.logger, ctx, "multiple handlers failed", errors.Join(errs...), b.cfg.Production,
			libLog.EventName(ev.Name()),
			libLog.EventID(ev.ID()),
			libLog.Int("failed_handlers", len(errs)))
	}

	libOpentelemetry.HandleSpanError(span, "dispatch failed", errs[0])

	return errs[0]
}

// Go runs fn on a recovered goroutine as a best-effort side task. Failures are
// logged and never returned; the context is detached from the caller's cancellation.
// Tasks started after Close are dropped.
func (b *Bus) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if b == nil || fn == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Log(ctx, libLog.LevelWarn, "bus closed, dropping best-effort task", libLog.String("task", name))

		return
	}

	b.tasks.Add(1)
	b.mu.Unlock()

	runtime.SafeGo(context.WithoutCancel(ctx), b.logger, "eventbus.bus", name, func(ctx context.Context) {
		defer b.tasks.Done()

		if err := fn(ctx); err != nil {
			libLog.SafeError(b.logger, ctx, "best-effort task failed", err, b.cfg.Production,
				libLog.String("task", name))
		}
	})
}

// Close fails pending queries with ErrBusClosed, waits for best-effort tasks
// until ctx ends and closes the reply transport.
func (b *Bus) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}

	var closeErr error

	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.done)

		waited := make(chan struct{})

		go func() {
			b.tasks.Wait()
			close(waited)
		}()

		select {
		case <-waited:
		case <-ctx.Done():
			closeErr = fmt.Errorf("wait for best-effort tasks: %w", ctx.Err())
		}

		if err := b.transport.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close reply transport: %w", err))
		}
	})

	return closeErr
}
