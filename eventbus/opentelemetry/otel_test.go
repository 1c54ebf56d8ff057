//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestTracerOrNoop(t *testing.T) {
	t.Parallel()

	tracer := TracerOrNoop(nil)
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()
}

func TestHandleSpanErrorAndEvent(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := provider.Tracer("test").Start(context.Background(), "dispatch")
	HandleSpanEvent(span, "retry.scheduled", attribute.Int("retry_count", 1))
	HandleSpanError(span, "handler failed", errors.New("boom"))
	HandleSpanError(span, "ignored", nil)
	HandleSpanError(nil, "ignored", errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "handler failed: boom", ended[0].Status().Description)
	assert.Len(t, ended[0].Events(), 2)
}

func TestTraceContextRoundTrip(t *testing.T) {
	t.Parallel()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	propagator := propagation.TraceContext{}
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	require.NotEmpty(t, carrier["traceparent"])

	restored := trace.SpanContextFromContext(propagator.Extract(context.Background(), carrier))
	assert.Equal(t, traceID, restored.TraceID())

	assert.Equal(t, context.Background(), ExtractTraceContext(context.Background(), nil))
}
