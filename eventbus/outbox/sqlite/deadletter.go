package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/google/uuid"
)

const deadLetterColumns = `id, outbox_id, event_name, source_module, payload, attempts, max_retries,
retry_history, failure_reason, tenant_id, failed_at`

func insertDeadLetter(ctx context.Context, ex execer, dl *outbox.DeadLetter) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO event_dead_letter (`+deadLetterColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID.String(),
		dl.OutboxID.String(),
		dl.EventName,
		dl.SourceModule,
		string(dl.Payload),
		dl.Attempts,
		dl.MaxRetries,
		dl.RetryHistory,
		dl.FailureReason,
		dl.TenantID,
		millis(dl.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	return nil
}

// ListDeadLetters returns the newest dead letters first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*outbox.DeadLetter, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+deadLetterColumns+` FROM event_dead_letter
ORDER BY failed_at DESC, rowid DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*outbox.DeadLetter

	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, dl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}

	return out, nil
}

// GetDeadLetter loads one dead letter.
func (s *Store) GetDeadLetter(ctx context.Context, id uuid.UUID) (*outbox.DeadLetter, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	return scanDeadLetter(s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM event_dead_letter WHERE id = ?`, id.String()))
}

// ReplayDeadLetter inserts a fresh pending record copied from the dead letter.
func (s *Store) ReplayDeadLetter(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	dl, err := s.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := outbox.ReplayRecord(dl, s.now())

	if err := s.Insert(ctx, rec, nil); err != nil {
		return nil, fmt.Errorf("replay dead letter %s: %w", id, err)
	}

	return rec, nil
}

func scanDeadLetter(row scanner) (*outbox.DeadLetter, error) {
	var (
		dl       outbox.DeadLetter
		id       string
		outboxID string
		payload  string
		failedAt int64
	)

	err := row.Scan(&id, &outboxID, &dl.EventName, &dl.SourceModule, &payload, &dl.Attempts, &dl.MaxRetries,
		&dl.RetryHistory, &dl.FailureReason, &dl.TenantID, &failedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrDeadLetterNotFound
		}

		return nil, fmt.Errorf("scan dead letter: %w", err)
	}

	if dl.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse dead letter id: %w", err)
	}

	if dl.OutboxID, err = uuid.Parse(outboxID); err != nil {
		return nil, fmt.Errorf("parse dead letter outbox id: %w", err)
	}

	dl.Payload = []byte(payload)
	dl.FailedAt = fromMillis(failedAt)

	return &dl, nil
}
