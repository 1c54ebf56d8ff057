package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicError carries a recovered panic value and the stack captured at recovery.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}

	return nil
}

// RecoverAndLogWithContext recovers from a panic, logs it with the stack trace
// and records a span event. Use it in defer statements of goroutines that must
// not take the process down.
//
//	defer runtime.RecoverAndLogWithContext(ctx, logger, "worker", "poll_loop")
func RecoverAndLogWithContext(ctx context.Context, logger libLog.Logger, component, name string) {
	if r := recover(); r != nil {
		HandlePanicValue(ctx, logger, r, component, name)
	}
}

// RecoverToError recovers from a panic and stores it in errp as a *PanicError.
// Must be called directly by defer.
func RecoverToError(ctx context.Context, logger libLog.Logger, component, name string, errp *error) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanic(ctx, logger, component, name, r, stack)
		recordPanicToSpan(ctx, r, stack, component, name)

		if errp != nil {
			*errp = &PanicError{Value: r, Stack: stack}
		}
	}
}

// HandlePanicValue processes a panic value recovered by another mechanism,
// such as Fiber's recover middleware.
func HandlePanicValue(ctx context.Context, logger libLog.Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	stack := debug.Stack()
	logPanic(ctx, logger, component, name, panicValue, stack)
	recordPanicToSpan(ctx, panicValue, stack, component, name)
}

func logPanic(ctx context.Context, logger libLog.Logger, component, name string, value any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, libLog.LevelError, "panic recovered",
		libLog.String("component", component),
		libLog.String("source", name),
		libLog.String("panic_value", fmt.Sprintf("%v", value)),
		libLog.String("stack_trace", string(stack)),
	)
}

func recordPanicToSpan(ctx context.Context, value any, stack []byte, component, name string) {
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.component", component),
		attribute.String("panic.source", name),
		attribute.String("panic.value", fmt.Sprintf("%v", value)),
		attribute.String("panic.stack", string(stack)),
	))
	span.SetStatus(codes.Error, fmt.Sprintf("panic recovered in %s", name))
}
