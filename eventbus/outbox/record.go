package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/event"
	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry budget used when neither the emitter nor a handler sets one.
const DefaultMaxRetries = 5

// Record is a durable outbox row for one emitted event.
type Record struct {
	ID                  uuid.UUID
	EventName           string
	SourceModule        string
	Payload             json.RawMessage
	Status              Status
	RetryCount          int
	MaxRetries          int
	CorrelationID       string
	TenantID            string
	LastError           string
	NextAttemptAt       time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewRecord builds a pending record for ev. The record id is the event id.
func NewRecord(ev event.Event, maxRetries int) *Record {
	meta := ev.Metadata()

	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	createdAt := meta.EmittedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return &Record{
		ID:            meta.EventID,
		EventName:     ev.Name(),
		SourceModule:  ev.SourceModule(),
		Payload:       ev.Payload(),
		Status:        StatusPending,
		MaxRetries:    maxRetries,
		CorrelationID: meta.CorrelationID,
		TenantID:      meta.TenantID,
		NextAttemptAt: createdAt,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

// Event rebuilds the domain event carried by the record.
func (r *Record) Event() event.Event {
	return event.Restore(r.EventName, r.Payload, r.SourceModule, event.Metadata{
		EventID:       r.ID,
		EmittedAt:     r.CreatedAt,
		CorrelationID: r.CorrelationID,
		TenantID:      r.TenantID,
	})
}

// Attempt is the 1-based number of the delivery attempt in progress.
func (r *Record) Attempt() int {
	return r.RetryCount + 1
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	out := *r
	out.Payload = append(json.RawMessage(nil), r.Payload...)

	if r.ProcessingStartedAt != nil {
		started := *r.ProcessingStartedAt
		out.ProcessingStartedAt = &started
	}

	return &out
}

// DeadLetter is the immutable copy of a record that exhausted its retries
// or failed permanently.
type DeadLetter struct {
	ID            uuid.UUID
	OutboxID      uuid.UUID
	EventName     string
	SourceModule  string
	Payload       json.RawMessage
	Attempts      int
	MaxRetries    int
	RetryHistory  string
	FailureReason string
	TenantID      string
	FailedAt      time.Time
}

// NewDeadLetter snapshots rec. attempts is the number of failed attempts.
func NewDeadLetter(rec *Record, reason string, attempts int, failedAt time.Time) *DeadLetter {
	reason = SanitizeErrorMessage(reason)
	if reason == "" {
		reason = "unknown failure"
	}

	return &DeadLetter{
		ID:            uuid.New(),
		OutboxID:      rec.ID,
		EventName:     rec.EventName,
		SourceModule:  rec.SourceModule,
		Payload:       append(json.RawMessage(nil), rec.Payload...),
		Attempts:      attempts,
		MaxRetries:    rec.MaxRetries,
		RetryHistory:  fmt.Sprintf("attempts=%d max_retries=%d emitted_at=%s last_error=%s", attempts, rec.MaxRetries, rec.CreatedAt.UTC().Format(time.RFC3339), reason),
		FailureReason: reason,
		TenantID:      rec.TenantID,
		FailedAt:      failedAt,
	}
}

// ProcessingLogEntry records that a handler completed for an idempotency key.
type ProcessingLogEntry struct {
	IdempotencyKey string
	HandlerID      string
	ProcessedAt    time.Time
}

// HistoryRecord is the append-only audit entry written for every emit.
type HistoryRecord struct {
	ID            uuid.UUID
	EventName     string
	SourceModule  string
	Payload       json.RawMessage
	CorrelationID string
	TenantID      string
	EmittedAt     time.Time
}

// NewHistoryRecord builds the audit entry for ev.
func NewHistoryRecord(ev event.Event) *HistoryRecord {
	meta := ev.Metadata()

	return &HistoryRecord{
		ID:            uuid.New(),
		EventName:     ev.Name(),
		SourceModule:  ev.SourceModule(),
		Payload:       ev.Payload(),
		CorrelationID: meta.CorrelationID,
		TenantID:      meta.TenantID,
		EmittedAt:     meta.EmittedAt,
	}
}
