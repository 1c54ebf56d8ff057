package bus

import (
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger libLog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTracer sets the tracer for emit and dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bus) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(b *Bus) {
		if provider != nil {
			b.meterProvider = provider
		}
	}
}

// WithReplyTransport routes Query replies through transport instead of in-process.
func WithReplyTransport(transport ReplyTransport) Option {
	return func(b *Bus) {
		if transport != nil {
			b.transport = transport
		}
	}
}

// WithPipeline replaces the default middleware pipeline.
func WithPipeline(pipeline *middleware.Pipeline) Option {
	return func(b *Bus) {
		if pipeline != nil {
			b.pipeline = pipeline
		}
	}
}

// EmitOption customizes one emission.
type EmitOption func(*emitOptions)

type emitOptions struct {
	correlationID string
	maxRetries    *int
	eventID       uuid.UUID
}

// WithCorrelationID tags the event with a correlation id.
func WithCorrelationID(correlationID string) EmitOption {
	return func(o *emitOptions) {
		o.correlationID = correlationID
	}
}

// WithMaxRetries overrides the retry budget of the outbox record.
func WithMaxRetries(maxRetries int) EmitOption {
	return func(o *emitOptions) {
		if maxRetries >= 0 {
			o.maxRetries = &maxRetries
		}
	}
}

// WithEventID sets the event id instead of generating one.
func WithEventID(id uuid.UUID) EmitOption {
	return func(o *emitOptions) {
		o.eventID = id
	}
}
