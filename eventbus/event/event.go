package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/assert"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the serialized payload size when no limit is configured.
const DefaultMaxPayloadBytes = 1 << 20

// Metadata carries delivery identity for an event.
type Metadata struct {
	EventID       uuid.UUID
	EmittedAt     time.Time
	CorrelationID string
	TenantID      string
}

// Event is an immutable domain event. Name has the form "<module>:<action>".
type Event struct {
	name         string
	payload      json.RawMessage
	sourceModule string
	metadata     Metadata
}

// Option customizes an event built by New.
type Option func(*Metadata)

// WithID sets the event id instead of generating one.
func WithID(id uuid.UUID) Option {
	return func(m *Metadata) { m.EventID = id }
}

// WithCorrelationID tags the event as part of a request-reply exchange.
func WithCorrelationID(correlationID string) Option {
	return func(m *Metadata) { m.CorrelationID = correlationID }
}

// WithTenantID records the tenant the event belongs to.
func WithTenantID(tenantID string) Option {
	return func(m *Metadata) { m.TenantID = tenantID }
}

// WithEmittedAt overrides the emission timestamp.
func WithEmittedAt(at time.Time) Option {
	return func(m *Metadata) { m.EmittedAt = at.UTC() }
}

// New validates and builds an event. payload may be a json.RawMessage, a
// []byte holding JSON, or any value that encoding/json can marshal. A nil
// payload is stored as JSON null.
func New(ctx context.Context, name string, payload any, sourceModule string, maxPayloadBytes int, opts ...Option) (Event, error) {
	asserter := assert.New(nil, "event", "event.new")

	name = strings.TrimSpace(name)
	if _, _, err := ParseName(name); err != nil {
		return Event{}, err
	}

	sourceModule = strings.TrimSpace(sourceModule)
	if err := asserter.NotEmpty(ctx, sourceModule, "source module is required"); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrSourceModuleRequired, err)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, err
	}

	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}

	if err := asserter.That(ctx, len(raw) <= maxPayloadBytes, "payload exceeds max size", "size", len(raw), "limit", maxPayloadBytes); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
	}

	metadata := Metadata{
		EventID:   uuid.New(),
		EmittedAt: time.Now().UTC(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&metadata)
		}
	}

	if metadata.EventID == uuid.Nil {
		metadata.EventID = uuid.New()
	}

	return Event{name: name, payload: raw, sourceModule: sourceModule, metadata: metadata}, nil
}

// Restore rebuilds an event from stored fields without re-validating them.
func Restore(name string, payload []byte, sourceModule string, metadata Metadata) Event {
	return Event{
		name:         name,
		payload:      append(json.RawMessage(nil), payload...),
		sourceModule: sourceModule,
		metadata:     metadata,
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte

	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
		}

		return encoded, nil
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}

	if !json.Valid(raw) {
		return nil, ErrPayloadNotJSON
	}

	return append(json.RawMessage(nil), raw...), nil
}

// Name returns the event name.
func (e Event) Name() string { return e.name }

// Module returns the part of the name before the first ':'.
func (e Event) Module() string {
	module, _, _ := strings.Cut(e.name, ":")
	return module
}

// SourceModule returns the emitting module.
func (e Event) SourceModule() string { return e.sourceModule }

// Metadata returns the delivery metadata.
func (e Event) Metadata() Metadata { return e.metadata }

// ID is shorthand for Metadata().EventID.
func (e Event) ID() uuid.UUID { return e.metadata.EventID }

// Payload returns a copy of the JSON payload.
func (e Event) Payload() json.RawMessage {
	return append(json.RawMessage(nil), e.payload...)
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.name, err)
	}

	return nil
}

// ParseName splits "<module>:<action>". Both parts must be non-empty.
func ParseName(name string) (module, action string, err error) {
	module, action, found := strings.Cut(name, ":")
	if !found || strings.TrimSpace(module) == "" || strings.TrimSpace(action) == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return module, action, nil
}
