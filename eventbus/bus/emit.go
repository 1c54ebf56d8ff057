package bus

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	libOpentelemetry "github.com/LerianStudio/lib-eventbus/eventbus/opentelemetry"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Emit records the event in the outbox for asynchronous delivery. Handler
// failures never reach the emitter; only validation and storage errors do.
func (b *Bus) Emit(ctx context.Context, name string, payload any, source string, opts ...EmitOption) (uuid.UUID, error) {
	return b.emit(ctx, nil, name, payload, source, opts...)
}

// EmitTx is Emit inside the caller's transaction, so the event is persisted
// only if the business write commits.
func (b *Bus) EmitTx(ctx context.Context, tx outbox.Tx, name string, payload any, source string, opts ...EmitOption) (uuid.UUID, error) {
	if tx == nil {
		return uuid.Nil, outbox.ErrTxRequired
	}

	return b.emit(ctx, tx, name, payload, source, opts...)
}

func (b *Bus) emit(ctx context.Context, tx outbox.Tx, name string, payload any, source string, opts ...EmitOption) (uuid.UUID, error) {
	if b == nil {
		return uuid.Nil, ErrBusRequired
	}

	if !b.cfg.Enabled {
		b.logger.Log(ctx, libLog.LevelDebug, "event bus disabled, dropping event",
			libLog.EventName(name),
			libLog.ModuleID(source))

		return uuid.Nil, nil
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.bus.emit", trace.WithAttributes(
		attribute.String("eventbus.event_name", name),
		attribute.String("eventbus.source_module", source),
	))
	defer span.End()

	var options emitOptions

	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	eventOpts := []event.Option{event.WithCorrelationID(options.correlationID)}

	if options.eventID != uuid.Nil {
		eventOpts = append(eventOpts, event.WithID(options.eventID))
	}

	if tenantID, ok := outbox.TenantIDFromContext(ctx); ok {
		eventOpts = append(eventOpts, event.WithTenantID(tenantID))
	}

	ev, err := event.New(ctx, name, payload, source, b.cfg.MaxPayloadBytes, eventOpts...)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid event", err)
		return uuid.Nil, err
	}

	span.SetAttributes(attribute.String("eventbus.event_id", ev.ID().String()))

	if b.cfg.ImmediateProcessing {
		return b.emitImmediate(ctx, ev)
	}

	rec := outbox.NewRecord(ev, b.maxRetries(ev.Name(), options.maxRetries))
	history := outbox.NewHistoryRecord(ev)

	if tx != nil {
		err = b.store.InsertWithTx(ctx, tx, rec, history)
	} else {
		err = b.store.Insert(ctx, rec, history)
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to store event", err)
		return uuid.Nil, fmt.Errorf("emit %s: %w", ev.Name(), err)
	}

	b.metrics.emitted.Add(ctx, 1)

	b.logger.Log(ctx, libLog.LevelDebug, "event emitted",
		libLog.EventName(ev.Name()),
		libLog.EventID(ev.ID()),
		libLog.Int("max_retries", rec.MaxRetries))

	return ev.ID(), nil
}

func (b *Bus) emitImmediate(ctx context.Context, ev event.Event) (uuid.UUID, error) {
	if err := b.store.AppendHistory(ctx, outbox.NewHistoryRecord(ev)); err != nil {
		return uuid.Nil, fmt.Errorf("emit %s: %w", ev.Name(), err)
	}

	b.metrics.emitted.Add(ctx, 1)

	if err := b.Dispatch(ctx, ev); err != nil {
		libLog.SafeError(b.logger, ctx, "immediate dispatch failed", err, b.cfg.Production,
			libLog.EventName(ev.Name()),
			libLog.EventID(ev.ID()))
	}

	return ev.ID(), nil
}

// maxRetries resolves the record budget: explicit option, then the largest
// handler budget for the event, then the configured default.
func (b *Bus) maxRetries(eventName string, explicit *int) int {
	if explicit != nil {
		return *explicit
	}

	if handlerMax, ok := b.registry.MaxRetries(eventName); ok {
		return handlerMax
	}

	return b.cfg.DefaultMaxRetries
}
