package bus

import (
	"context"
	"encoding/json"
)

// Reply is a query answer routed back to the waiting caller.
type Reply struct {
	CorrelationID string            `json:"correlation_id"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// ReplyHandler receives replies from a transport.
type ReplyHandler func(ctx context.Context, reply Reply)

// ReplyTransport carries replies from Reply to the bus holding the waiter.
type ReplyTransport interface {
	// Start begins delivering replies to deliver.
	Start(ctx context.Context, deliver ReplyHandler) error
	Publish(ctx context.Context, reply Reply) error
	Close() error
}

// LocalTransport delivers replies within the process.
type LocalTransport struct {
	deliver ReplyHandler
}

var _ ReplyTransport = (*LocalTransport)(nil)

// NewLocalTransport returns an in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{}
}

// Start stores deliver.
func (t *LocalTransport) Start(_ context.Context, deliver ReplyHandler) error {
	t.deliver = deliver
	return nil
}

// Publish delivers reply synchronously.
func (t *LocalTransport) Publish(ctx context.Context, reply Reply) error {
	if t.deliver != nil {
		t.deliver(ctx, reply)
	}

	return nil
}

// Close is a no-op.
func (t *LocalTransport) Close() error {
	return nil
}
