package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/backoff"
	"github.com/google/uuid"
)

// Tx is the caller transaction used by InsertWithTx so an event is
// persisted atomically with the business write that produced it.
type Tx = *sql.Tx

// Store persists outbox records and their dead-letter and history companions.
//
// Every status change is a conditional update on the expected current status.
// When no row matches, ErrStateTransitionConflict is returned, except in
// ClaimBatch where losing a race simply skips the row.
type Store interface {
	// Insert writes history and rec (status pending) atomically.
	Insert(ctx context.Context, rec *Record, history *HistoryRecord) error
	// InsertWithTx is Insert inside the caller's transaction.
	InsertWithTx(ctx context.Context, tx Tx, rec *Record, history *HistoryRecord) error
	// AppendHistory writes an audit entry without an outbox row.
	AppendHistory(ctx context.Context, history *HistoryRecord) error

	// ClaimBatch moves up to limit due pending records to processing, oldest first.
	ClaimBatch(ctx context.Context, limit int) ([]*Record, error)
	// MarkCompleted finishes a processing record.
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	// MarkFailed records a failed attempt and either reschedules the record
	// with policy or moves it to the dead-letter store. It reports whether
	// the record will be retried.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, policy backoff.Policy) (bool, error)
	// MarkDeadLetter dead-letters a processing record immediately.
	MarkDeadLetter(ctx context.Context, id uuid.UUID, reason string) error
	// FindStuck lists processing records claimed more than olderThan ago.
	FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*Record, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetter, error)
	// ReplayDeadLetter inserts a fresh pending copy of the dead-lettered
	// event. The dead-letter entry itself is left untouched.
	ReplayDeadLetter(ctx context.Context, id uuid.UUID) (*Record, error)
}

// ProcessingLog is the per-handler idempotency ledger. A pair is either
// reserved by one in-flight delivery or completed.
type ProcessingLog interface {
	// HasProcessed reports whether the pair is completed.
	HasProcessed(ctx context.Context, idempotencyKey, handlerID string) (bool, error)
	// Reserve claims the pair for one delivery. It reports false when the pair
	// is completed or reserved less than lease ago.
	Reserve(ctx context.Context, idempotencyKey, handlerID string, lease time.Duration) (bool, error)
	// MarkProcessed completes the pair, inserting it when absent, and reports
	// whether the pair changed state.
	MarkProcessed(ctx context.Context, idempotencyKey, handlerID string) (bool, error)
	// Release drops a reservation that has not completed.
	Release(ctx context.Context, idempotencyKey, handlerID string) error
}

// ReplayRecord builds the pending record that replays dl.
func ReplayRecord(dl *DeadLetter, now time.Time) *Record {
	return &Record{
		ID:            uuid.New(),
		EventName:     dl.EventName,
		SourceModule:  dl.SourceModule,
		Payload:       append([]byte(nil), dl.Payload...),
		Status:        StatusPending,
		MaxRetries:    dl.MaxRetries,
		TenantID:      dl.TenantID,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ValidateForInsert checks the fields every store requires.
func ValidateForInsert(rec *Record) error {
	if rec == nil {
		return ErrRecordRequired
	}

	if rec.ID == uuid.Nil || rec.EventName == "" {
		return ErrRecordRequired
	}

	if rec.Status != StatusPending {
		return fmt.Errorf("%w: new records must be %s, got %q", ErrStatusInvalid, StatusPending, rec.Status)
	}

	return nil
}
