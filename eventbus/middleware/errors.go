package middleware

import (
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-eventbus/eventbus/circuitbreaker"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
)

// ErrHandlerTimeout is returned when a handler exceeds its timeout.
var ErrHandlerTimeout = errors.New("handler timed out")

// Kind classifies a handler failure.
type Kind string

const (
	KindHandler     Kind = "handler"
	KindPanic       Kind = "panic"
	KindTimeout     Kind = "timeout"
	KindCircuitOpen Kind = "circuit_open"
	KindInProgress  Kind = "in_progress"
)

// HandlerError is the error every pipeline returns on failure.
type HandlerError struct {
	EventName string
	HandlerID string
	Kind      Kind
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for %s failed (%s): %v", e.HandlerID, e.EventName, e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// AsHandlerError extracts a *HandlerError from err.
func AsHandlerError(err error) (*HandlerError, bool) {
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return handlerErr, true
	}

	return nil, false
}

func classify(err error) Kind {
	var panicErr *runtime.PanicError

	switch {
	case errors.As(err, &panicErr):
		return KindPanic
	case errors.Is(err, ErrHandlerTimeout):
		return KindTimeout
	case errors.Is(err, circuitbreaker.ErrOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrDeliveryInProgress):
		return KindInProgress
	default:
		return KindHandler
	}
}
