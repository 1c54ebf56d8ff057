package middleware

import (
	"context"

	"github.com/LerianStudio/lib-eventbus/eventbus/circuitbreaker"
	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	"github.com/LerianStudio/lib-eventbus/eventbus/registry"
)

// CircuitBreaker guards each event/handler pair with its own breaker.
// A nil manager disables it.
func CircuitBreaker(breakers *circuitbreaker.Manager) Middleware {
	return func(eventName string, reg registry.Registration, next registry.Handler) registry.Handler {
		if breakers == nil {
			return next
		}

		key := circuitbreaker.Key(eventName, reg.HandlerID)

		return func(ctx context.Context, ev event.Event) error {
			return breakers.Execute(key, func() error {
				return next(ctx, ev)
			})
		}
	}
}
