package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	libOpentelemetry "github.com/LerianStudio/lib-eventbus/eventbus/opentelemetry"
	"github.com/google/uuid"
)

// Query emits name with a fresh correlation id and blocks until a handler
// answers through Reply, timeout elapses or ctx ends. A timeout of zero uses
// the configured default.
func (b *Bus) Query(ctx context.Context, name string, payload any, source string, timeout time.Duration) (json.RawMessage, error) {
	if b == nil {
		return nil, ErrBusRequired
	}

	if !b.cfg.Enabled {
		return nil, ErrBusDisabled
	}

	if timeout <= 0 {
		timeout = b.cfg.DefaultQueryTimeout
	}

	correlationID := uuid.NewString()

	waiter, err := b.addWaiter(correlationID)
	if err != nil {
		return nil, err
	}

	defer b.removeWaiter(correlationID)

	if _, err := b.Emit(ctx, name, payload, source, WithCorrelationID(correlationID)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		return reply.Payload, nil
	case <-timer.C:
		b.metrics.queryTimeouts.Add(ctx, 1)
		return nil, fmt.Errorf("%w: %s after %s", ErrQueryTimeout, name, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrBusClosed
	}
}

// Reply answers the query identified by correlationID. Replies for unknown or
// expired queries are dropped.
func (b *Bus) Reply(ctx context.Context, correlationID string, payload any) error {
	if b == nil {
		return ErrBusRequired
	}

	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return ErrCorrelationIDRequired
	}

	raw, err := encodeReply(payload)
	if err != nil {
		return err
	}

	reply := Reply{
		CorrelationID: correlationID,
		Payload:       raw,
		Headers:       libOpentelemetry.InjectTraceContext(ctx),
	}

	if err := b.transport.Publish(ctx, reply); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}

	return nil
}

// PendingQueries returns the number of queries waiting for a reply.
func (b *Bus) PendingQueries() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.waiters)
}

func (b *Bus) addWaiter(correlationID string) (chan Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	waiter := make(chan Reply, 1)
	b.waiters[correlationID] = waiter

	return waiter, nil
}

func (b *Bus) removeWaiter(correlationID string) {
	b.mu.Lock()
	delete(b.waiters, correlationID)
	b.mu.Unlock()
}

func (b *Bus) deliver(ctx context.Context, reply Reply) {
	b.mu.Lock()
	waiter, ok := b.waiters[reply.CorrelationID]
	if ok {
		delete(b.waiters, reply.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Log(ctx, libLog.LevelDebug, "dropping reply without waiting query",
			libLog.String("correlation_id", reply.CorrelationID))

		return
	}

	waiter <- reply
}

func encodeReply(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, ErrReplyPayloadInvalid
		}

		return append(json.RawMessage(nil), v...), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal reply payload: %w", err)
		}

		return raw, nil
	}
}
