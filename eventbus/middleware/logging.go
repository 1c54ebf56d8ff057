package middleware

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	libOpentelemetry "github.com/LerianStudio/lib-eventbus/eventbus/opentelemetry"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Logging logs handler start and success at debug and failures at warn, and
// runs the handler inside an "eventbus.handler" span.
func Logging(logger libLog.Logger, tracer trace.Tracer) Middleware {
	logger = libLog.OrNop(logger)
	tracer = libOpentelemetry.TracerOrNoop(tracer)

	return func(eventName string, reg registry.Registration, next registry.Handler) registry.Handler {
		return func(ctx context.Context, ev event.Event) error {
			ctx, span := tracer.Start(ctx, "eventbus.handler", trace.WithAttributes(
				attribute.String("eventbus.event_name", eventName),
				attribute.String("eventbus.handler_id", reg.HandlerID),
				attribute.String("eventbus.event_id", ev.ID().String()),
			))
			defer span.End()

			fields := []libLog.Field{
				libLog.EventName(eventName),
				libLog.EventID(ev.ID()),
				libLog.HandlerID(reg.HandlerID),
			}

			logger.Log(ctx, libLog.LevelDebug, "handler started", fields...)

			start := time.Now()
			err := next(ctx, ev)
			elapsed := time.Since(start)

			if err != nil {
				libOpentelemetry.HandleSpanError(span, "handler failed", err)
				logger.Log(ctx, libLog.LevelWarn, "handler failed",
					append(fields, libLog.Duration("duration", elapsed), libLog.Err(err))...)

				return err
			}

			logger.Log(ctx, libLog.LevelDebug, "handler succeeded",
				append(fields, libLog.Duration("duration", elapsed))...)

			return nil
		}
	}
}
