package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
)

// DefaultReservationLease bounds how long a crashed delivery blocks its key.
const DefaultReservationLease = 5 * time.Minute

// ErrDeliveryInProgress is returned when another delivery holds the
// reservation for the same idempotency key and handler. It is retryable.
var ErrDeliveryInProgress = errors.New("delivery in progress for idempotency key")

// Idempotency reserves the registration's idempotency key before running the
// handler, so concurrent deliveries sharing a key run the handler at most
// once. The reservation is completed on success and released on failure or
// panic. A nil log disables it.
//
// A reservation older than lease is considered abandoned and may be taken
// over. The effective lease is never shorter than twice the handler timeout.
func Idempotency(processed outbox.ProcessingLog, lease time.Duration, logger libLog.Logger) Middleware {
	logger = libLog.OrNop(logger)

	if lease <= 0 {
		lease = DefaultReservationLease
	}

	return func(eventName string, reg registry.Registration, next registry.Handler) registry.Handler {
		if processed == nil {
			return next
		}

		regLease := max(lease, 2*reg.Timeout)

		return func(ctx context.Context, ev event.Event) error {
			key := reg.Key(ev)

			reserved, err := processed.Reserve(ctx, key, reg.HandlerID, regLease)
			if err != nil {
				return err
			}

			if !reserved {
				done, err := processed.HasProcessed(ctx, key, reg.HandlerID)
				if err != nil {
					return err
				}

				if done {
					logger.Log(ctx, libLog.LevelDebug, "handler already processed event, skipping",
						libLog.EventName(eventName),
						libLog.HandlerID(reg.HandlerID),
						libLog.String("idempotency_key", key))

					return nil
				}

				return ErrDeliveryInProgress
			}

			succeeded := false

			defer func() {
				if succeeded {
					return
				}

				if err := processed.Release(context.WithoutCancel(ctx), key, reg.HandlerID); err != nil {
					libLog.SafeError(logger, ctx, "failed to release idempotency reservation", err, true,
						libLog.EventName(eventName),
						libLog.HandlerID(reg.HandlerID))
				}
			}()

			if err := next(ctx, ev); err != nil {
				return err
			}

			succeeded = true

			// The side effect already happened; an uncompleted reservation still
			// blocks other deliveries until its lease expires.
			if _, err := processed.MarkProcessed(context.WithoutCancel(ctx), key, reg.HandlerID); err != nil {
				libLog.SafeError(logger, ctx, "failed to record processed handler", err, true,
					libLog.EventName(eventName),
					libLog.HandlerID(reg.HandlerID))
			}

			return nil
		}
	}
}
