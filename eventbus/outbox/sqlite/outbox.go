package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/backoff"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/google/uuid"
)

const outboxColumns = `id, event_name, source_module, payload, status, retry_count, max_retries,
correlation_id, tenant_id, last_error, next_attempt_at, processing_started_at, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// Insert writes history and rec in one transaction.
func (s *Store) Insert(ctx context.Context, rec *outbox.Record, history *outbox.HistoryRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertRecord(ctx, tx, rec, history)
	})
}

// InsertWithTx writes history and rec inside the caller's transaction.
func (s *Store) InsertWithTx(ctx context.Context, tx outbox.Tx, rec *outbox.Record, history *outbox.HistoryRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	if tx == nil {
		return outbox.ErrTxRequired
	}

	return insertRecord(ctx, tx, rec, history)
}

// AppendHistory writes an audit entry.
func (s *Store) AppendHistory(ctx context.Context, history *outbox.HistoryRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	if history == nil {
		return outbox.ErrRecordRequired
	}

	return insertHistory(ctx, s.db, history)
}

func insertRecord(ctx context.Context, ex execer, rec *outbox.Record, history *outbox.HistoryRecord) error {
	if err := outbox.ValidateForInsert(rec); err != nil {
		return err
	}

	_, err := ex.ExecContext(ctx, `INSERT INTO event_outbox (`+outboxColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		rec.ID.String(),
		rec.EventName,
		rec.SourceModule,
		string(rec.Payload),
		string(outbox.StatusPending),
		rec.RetryCount,
		rec.MaxRetries,
		rec.CorrelationID,
		rec.TenantID,
		rec.LastError,
		millis(rec.NextAttemptAt),
		millis(rec.CreatedAt),
		millis(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", outbox.ErrDuplicateRecord, rec.ID)
		}

		return fmt.Errorf("insert outbox record: %w", err)
	}

	if history == nil {
		return nil
	}

	return insertHistory(ctx, ex, history)
}

func insertHistory(ctx context.Context, ex execer, history *outbox.HistoryRecord) error {
	id := history.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err := ex.ExecContext(ctx, `INSERT INTO event_history
(id, event_name, source_module, payload, correlation_id, tenant_id, emitted_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		history.EventName,
		history.SourceModule,
		string(history.Payload),
		history.CorrelationID,
		history.TenantID,
		millis(history.EmittedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event history: %w", err)
	}

	return nil
}

// ClaimBatch claims due pending records. Each row is moved with a conditional
// update; a row taken by another process in the meantime is skipped.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	var claimed []*outbox.Record

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM event_outbox
WHERE status = ? AND next_attempt_at <= ?
ORDER BY created_at ASC, id ASC
LIMIT ?`, string(outbox.StatusPending), millis(now), limit)
		if err != nil {
			return fmt.Errorf("select claimable records: %w", err)
		}

		ids := make([]string, 0, limit)

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan claimable id: %w", err)
			}

			ids = append(ids, id)
		}

		if err := rows.Close(); err != nil {
			return fmt.Errorf("close claimable rows: %w", err)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate claimable rows: %w", err)
		}

		claimed = make([]*outbox.Record, 0, len(ids))

		for _, id := range ids {
			result, err := tx.ExecContext(ctx, `UPDATE event_outbox
SET status = ?, processing_started_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
				string(outbox.StatusProcessing), millis(now), millis(now), id, string(outbox.StatusPending))
			if err != nil {
				return fmt.Errorf("claim record %s: %w", id, err)
			}

			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim record %s rows affected: %w", id, err)
			}

			if affected == 0 {
				continue
			}

			rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM event_outbox WHERE id = ?`, id))
			if err != nil {
				return err
			}

			claimed = append(claimed, rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// MarkCompleted finishes a processing record.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE event_outbox
SET status = ?, processing_started_at = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		string(outbox.StatusCompleted), millis(s.now()), id.String(), string(outbox.StatusProcessing))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	return ensureRowsAffected(result, id)
}

// MarkFailed records a failed attempt, rescheduling or dead-lettering the record.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, policy backoff.Policy) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}

	var willRetry bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.getProcessing(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.now()
		outcome := outbox.DecideFailure(rec, errMsg, policy, now)
		willRetry = outcome.WillRetry()

		result, err := tx.ExecContext(ctx, `UPDATE event_outbox
SET status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, processing_started_at = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
			string(outcome.Status), outcome.RetryCount, outcome.LastError, millis(outcome.NextAttemptAt), millis(now),
			id.String(), string(outbox.StatusProcessing))
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}

		if err := ensureRowsAffected(result, id); err != nil {
			return err
		}

		if willRetry {
			return nil
		}

		rec.RetryCount = outcome.RetryCount

		return insertDeadLetter(ctx, tx, outbox.NewDeadLetter(rec, outcome.LastError, outcome.RetryCount, now))
	})
	if err != nil {
		return false, err
	}

	if !willRetry {
		s.logger.Log(ctx, libLog.LevelWarn, "outbox record dead-lettered",
			libLog.OutboxID(id))
	}

	return willRetry, nil
}

// MarkDeadLetter dead-letters a processing record immediately.
func (s *Store) MarkDeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.getProcessing(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.now()
		rec.RetryCount++
		reason = outbox.SanitizeErrorMessage(reason)

		result, err := tx.ExecContext(ctx, `UPDATE event_outbox
SET status = ?, retry_count = ?, last_error = ?, processing_started_at = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
			string(outbox.StatusDeadLetter), rec.RetryCount, reason, millis(now), id.String(), string(outbox.StatusProcessing))
		if err != nil {
			return fmt.Errorf("mark dead letter: %w", err)
		}

		if err := ensureRowsAffected(result, id); err != nil {
			return err
		}

		return insertDeadLetter(ctx, tx, outbox.NewDeadLetter(rec, reason, rec.RetryCount, now))
	})
}

// FindStuck lists processing records claimed more than olderThan ago.
func (s *Store) FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*outbox.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM event_outbox
WHERE status = ? AND processing_started_at < ?
ORDER BY processing_started_at ASC
LIMIT ?`, string(outbox.StatusProcessing), millis(s.now().Add(-olderThan)), limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck records: %w", err)
	}
	defer rows.Close()

	var stuck []*outbox.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		stuck = append(stuck, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stuck records: %w", err)
	}

	return stuck, nil
}

// GetByID loads one record.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	return scanRecord(s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM event_outbox WHERE id = ?`, id.String()))
}

// CountByStatus counts records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM event_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox records: %w", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int64, len(outbox.AllStatuses))

	for rows.Next() {
		var (
			status string
			n      int64
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}

		counts[outbox.Status(status)] = n
	}

	return counts, rows.Err()
}

func (s *Store) getProcessing(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*outbox.Record, error) {
	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM event_outbox WHERE id = ?`, id.String()))
	if err != nil {
		return nil, err
	}

	if rec.Status != outbox.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", outbox.ErrStateTransitionConflict, id, rec.Status)
	}

	return rec, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rollbackErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func scanRecord(row scanner) (*outbox.Record, error) {
	var (
		rec       outbox.Record
		id        string
		payload   string
		status    string
		nextAt    int64
		startedAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)

	err := row.Scan(&id, &rec.EventName, &rec.SourceModule, &payload, &status, &rec.RetryCount, &rec.MaxRetries,
		&rec.CorrelationID, &rec.TenantID, &rec.LastError, &nextAt, &startedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrRecordNotFound
		}

		return nil, fmt.Errorf("scan outbox record: %w", err)
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse outbox id: %w", err)
	}

	parsedStatus, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	rec.ID = parsedID
	rec.Payload = []byte(payload)
	rec.Status = parsedStatus
	rec.NextAttemptAt = fromMillis(nextAt)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)

	if startedAt.Valid {
		started := fromMillis(startedAt.Int64)
		rec.ProcessingStartedAt = &started
	}

	return &rec, nil
}

func ensureRowsAffected(result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrStateTransitionConflict, id)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
