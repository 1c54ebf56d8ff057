package assert

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrAssertionFailed is the sentinel error for failed assertions.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionError represents a failed assertion with its labels.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
	Details   string
}

// Error returns the formatted assertion failure message.
func (entry *AssertionError) Error() string {
	if entry == nil {
		return ErrAssertionFailed.Error()
	}

	if entry.Details == "" {
		return "assertion failed: " + entry.Message
	}

	return "assertion failed: " + entry.Message + " (" + entry.Details + ")"
}

// Unwrap returns the sentinel assertion error for errors.Is.
func (entry *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// Asserter evaluates invariants, logging and tracing each failure.
type Asserter struct {
	logger    libLog.Logger
	component string
	operation string
}

// New creates an Asserter labelled with component and operation.
func New(logger libLog.Logger, component, operation string) *Asserter {
	return &Asserter{logger: libLog.OrNop(logger), component: component, operation: operation}
}

// That returns an error if ok is false.
func (asserter *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return asserter.fail(ctx, "That", msg, kv...)
}

// NotNil returns an error if v is nil, including typed nils.
func (asserter *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !isNil(v) {
		return nil
	}

	return asserter.fail(ctx, "NotNil", msg, kv...)
}

// NotEmpty returns an error if s is empty after trimming spaces.
func (asserter *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if strings.TrimSpace(s) != "" {
		return nil
	}

	return asserter.fail(ctx, "NotEmpty", msg, kv...)
}

func (asserter *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	details := formatKV(kv)

	fields := []libLog.Field{
		libLog.String("assertion", assertion),
		libLog.String("component", asserter.component),
		libLog.String("operation", asserter.operation),
	}
	if details != "" {
		fields = append(fields, libLog.String("details", details))
	}

	asserter.logger.Log(ctx, libLog.LevelWarn, "assertion failed: "+msg, fields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("assertion.failed", trace.WithAttributes(
			attribute.String("assertion.type", assertion),
			attribute.String("assertion.message", msg),
			attribute.String("assertion.component", asserter.component),
			attribute.String("assertion.operation", asserter.operation),
		))
	}

	return &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: asserter.component,
		Operation: asserter.operation,
		Details:   details,
	}
}

func formatKV(kv []any) string {
	if len(kv) == 0 {
		return ""
	}

	parts := make([]string, 0, (len(kv)+1)/2)

	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			parts = append(parts, fmt.Sprintf("%v=%v", kv[i], kv[i+1]))
		} else {
			parts = append(parts, fmt.Sprintf("%v=<missing>", kv[i]))
		}
	}

	return strings.Join(parts, " ")
}

func isNil(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
