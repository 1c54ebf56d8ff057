package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
)

// Timeout races the handler against reg.Timeout. The handler keeps running in
// its goroutine after a timeout but its context is cancelled.
func Timeout(logger libLog.Logger) Middleware {
	logger = libLog.OrNop(logger)

	return func(_ string, reg registry.Registration, next registry.Handler) registry.Handler {
		if reg.Timeout <= 0 {
			return next
		}

		return func(ctx context.Context, ev event.Event) error {
			ctx, cancel := context.WithTimeout(ctx, reg.Timeout)
			defer cancel()

			done := make(chan error, 1)

			go func() {
				var err error

				defer func() { done <- err }()
				defer runtime.RecoverToError(ctx, logger, "eventbus.middleware", reg.HandlerID, &err)

				err = next(ctx, ev)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return fmt.Errorf("%w after %s", ErrHandlerTimeout, reg.Timeout)
				}

				return ctx.Err()
			}
		}
	}
}
