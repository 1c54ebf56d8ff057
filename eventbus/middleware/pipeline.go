package middleware

import (
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/circuitbreaker"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	libOpentelemetry "github.com/LerianStudio/lib-eventbus/eventbus/opentelemetry"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
	"go.opentelemetry.io/otel/trace"
)

// Middleware decorates the handler of one registration.
type Middleware func(eventName string, reg registry.Registration, next registry.Handler) registry.Handler

// Pipeline wraps handlers in the fixed middleware order:
// logging, error handling, idempotency, circuit breaker, timeout.
type Pipeline struct {
	logger    libLog.Logger
	tracer    trace.Tracer
	processed outbox.ProcessingLog
	lease     time.Duration
	breakers  *circuitbreaker.Manager
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger libLog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer sets the tracer for handler spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithProcessingLog enables idempotency tracking.
func WithProcessingLog(processed outbox.ProcessingLog) Option {
	return func(p *Pipeline) {
		if processed != nil {
			p.processed = processed
		}
	}
}

// WithReservationLease sets how long an unfinished idempotency reservation
// blocks other deliveries of the same key.
func WithReservationLease(lease time.Duration) Option {
	return func(p *Pipeline) {
		if lease > 0 {
			p.lease = lease
		}
	}
}

// WithCircuitBreakers enables per handler circuit breaking.
func WithCircuitBreakers(breakers *circuitbreaker.Manager) Option {
	return func(p *Pipeline) {
		if breakers != nil {
			p.breakers = breakers
		}
	}
}

// NewPipeline builds a pipeline. Idempotency and circuit breaking are skipped
// unless their collaborators are configured.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		logger: libLog.NewNop(),
		lease:  DefaultReservationLease,
		tracer: libOpentelemetry.TracerOrNoop(nil),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p
}

// Middlewares returns the pipeline layers, outermost first.
func (p *Pipeline) Middlewares() []Middleware {
	return []Middleware{
		Logging(p.logger, p.tracer),
		Recover(p.logger),
		Idempotency(p.processed, p.lease, p.logger),
		CircuitBreaker(p.breakers),
		Timeout(p.logger),
	}
}

// Wrap returns reg's handler decorated with every pipeline layer.
func (p *Pipeline) Wrap(eventName string, reg registry.Registration) registry.Handler {
	return Chain(eventName, reg, p.Middlewares()...)
}

// Chain applies mws around reg.Handler, the first being the outermost.
func Chain(eventName string, reg registry.Registration, mws ...Middleware) registry.Handler {
	handler := reg.Handler

	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			handler = mws[i](eventName, reg, handler)
		}
	}

	return handler
}
