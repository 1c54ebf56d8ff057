package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-eventbus/eventbus/bus"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	libOpentelemetry "github.com/LerianStudio/lib-eventbus/eventbus/opentelemetry"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultReplyChannel is the pub/sub channel shared by every bus instance.
const DefaultReplyChannel = "eventbus:replies"

// ReplyTransport routes query replies between processes over Redis pub/sub.
// Every instance receives every reply; only the one holding the waiter resolves it.
type ReplyTransport struct {
	client  goredis.UniversalClient
	channel string
	logger  libLog.Logger

	mu      sync.Mutex
	pubsub  *goredis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

var _ bus.ReplyTransport = (*ReplyTransport)(nil)

// ReplyOption configures a ReplyTransport.
type ReplyOption func(*ReplyTransport)

// WithChannel overrides DefaultReplyChannel.
func WithChannel(channel string) ReplyOption {
	return func(t *ReplyTransport) {
		if channel = strings.TrimSpace(channel); channel != "" {
			t.channel = channel
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger libLog.Logger) ReplyOption {
	return func(t *ReplyTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewReplyTransport builds a transport on client.
func NewReplyTransport(client goredis.UniversalClient, opts ...ReplyOption) (*ReplyTransport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &ReplyTransport{
		client:  client,
		channel: DefaultReplyChannel,
		logger:  libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t, nil
}

// Start subscribes to the reply channel and forwards replies to deliver. It
// returns once the subscription is confirmed.
func (t *ReplyTransport) Start(ctx context.Context, deliver bus.ReplyHandler) error {
	if deliver == nil {
		return ErrDeliverRequired
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	if t.started {
		return ErrTransportStarted
	}

	pubsub := t.client.Subscribe(ctx, t.channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", t.channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	t.pubsub = pubsub
	t.cancel = cancel
	t.done = make(chan struct{})
	t.started = true

	messages := pubsub.Channel()
	done := t.done

	runtime.SafeGo(loopCtx, t.logger, "eventbus.redis", "reply_loop", func(ctx context.Context) {
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				t.handleMessage(ctx, msg, deliver)
			}
		}
	})

	return nil
}

func (t *ReplyTransport) handleMessage(ctx context.Context, msg *goredis.Message, deliver bus.ReplyHandler) {
	var reply bus.Reply

	if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
		t.logger.Log(ctx, libLog.LevelWarn, "discarding malformed reply", libLog.Err(err))
		return
	}

	deliver(libOpentelemetry.ExtractTraceContext(ctx, reply.Headers), reply)
}

// Publish sends reply to every subscribed bus.
func (t *ReplyTransport) Publish(ctx context.Context, reply bus.Reply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}

	return nil
}

// Close stops the subscription. The client itself stays open.
func (t *ReplyTransport) Close() error {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		return nil
	}

	t.closed = true
	pubsub, cancel, done := t.pubsub, t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}

	if done != nil {
		<-done
	}

	return err
}
