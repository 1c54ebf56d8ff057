package middleware

import (
	"context"

	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
)

// Recover converts panics and errors from inner layers into *HandlerError.
func Recover(logger libLog.Logger) Middleware {
	logger = libLog.OrNop(logger)

	return func(eventName string, reg registry.Registration, next registry.Handler) registry.Handler {
		return func(ctx context.Context, ev event.Event) (err error) {
			defer func() {
				if err == nil {
					return
				}

				if _, ok := AsHandlerError(err); ok {
					return
				}

				err = &HandlerError{
					EventName: eventName,
					HandlerID: reg.HandlerID,
					Kind:      classify(err),
					Err:       err,
				}
			}()

			defer runtime.RecoverToError(ctx, logger, "eventbus.middleware", reg.HandlerID, &err)

			return next(ctx, ev)
		}
	}
}
