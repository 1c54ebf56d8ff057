package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/backoff"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolationCode = "23505"

type scanner interface {
	Scan(dest ...any) error
}

func recordColumns(alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}

	return p + "id::text, " + p + "event_name, " + p + "source_module, " + p + "payload::text, " +
		p + "status, " + p + "retry_count, " + p + "max_retries, " + p + "correlation_id, " +
		p + "tenant_id, " + p + "last_error, " + p + "next_attempt_at, " + p + "processing_started_at, " +
		p + "created_at, " + p + "updated_at"
}

// Insert writes history and rec in one primary transaction.
func (s *Store) Insert(ctx context.Context, rec *outbox.Record, history *outbox.HistoryRecord) error {
	return s.insert(ctx, nil, rec, history)
}

// InsertWithTx writes history and rec inside the caller's transaction.
func (s *Store) InsertWithTx(ctx context.Context, tx outbox.Tx, rec *outbox.Record, history *outbox.HistoryRecord) error {
	if tx == nil {
		return outbox.ErrTxRequired
	}

	return s.insert(ctx, tx, rec, history)
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, rec *outbox.Record, history *outbox.HistoryRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	if err := outbox.ValidateForInsert(rec); err != nil {
		return err
	}

	ctx, span := s.startSpan(ctx, "insert_outbox_record")
	defer span.End()

	_, err := withTxOrExisting(ctx, s, tx, rec.TenantID, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO `+s.table("event_outbox")+` (id, event_name, source_module, payload,
status, retry_count, max_retries, correlation_id, tenant_id, last_error, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			rec.ID, rec.EventName, rec.SourceModule, string(rec.Payload), string(outbox.StatusPending),
			rec.RetryCount, rec.MaxRetries, rec.CorrelationID, rec.TenantID, rec.LastError,
			rec.NextAttemptAt.UTC(), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return struct{}{}, fmt.Errorf("%w: %s", outbox.ErrDuplicateRecord, rec.ID)
			}

			return struct{}{}, fmt.Errorf("insert outbox record: %w", err)
		}

		if history == nil {
			return struct{}{}, nil
		}

		return struct{}{}, s.insertHistory(ctx, tx, history)
	})

	return handleSpanError(span, "failed to insert outbox record", err)
}

// AppendHistory writes an audit entry.
func (s *Store) AppendHistory(ctx context.Context, history *outbox.HistoryRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	if history == nil {
		return outbox.ErrRecordRequired
	}

	_, err := withTxOrExisting(ctx, s, nil, history.TenantID, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, s.insertHistory(ctx, tx, history)
	})

	return err
}

func (s *Store) insertHistory(ctx context.Context, tx *sql.Tx, history *outbox.HistoryRecord) error {
	id := history.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err := tx.ExecContext(ctx, `INSERT INTO `+s.table("event_history")+`
(id, event_name, source_module, payload, correlation_id, tenant_id, emitted_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`,
		id, history.EventName, history.SourceModule, string(history.Payload),
		history.CorrelationID, history.TenantID, history.EmittedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert event history: %w", err)
	}

	return nil
}

// ClaimBatch claims due pending records with FOR UPDATE SKIP LOCKED so
// concurrent workers never receive the same row.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	ctx, span := s.startSpan(ctx, "claim_batch")
	defer span.End()

	tenantID := tenantFromContext(ctx)
	table := s.table("event_outbox")

	claimed, err := withTxOrExisting(ctx, s, nil, tenantID, func(tx *sql.Tx) ([]*outbox.Record, error) {
		now := s.now().UTC()

		rows, err := tx.QueryContext(ctx, `WITH due AS (
    SELECT id FROM `+table+`
    WHERE status = $1 AND next_attempt_at <= $2
    ORDER BY created_at ASC, id ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE `+table+` AS o
SET status = $4, processing_started_at = $2, updated_at = $2
FROM due
WHERE o.id = due.id
RETURNING `+recordColumns("o"),
			string(outbox.StatusPending), now, limit, string(outbox.StatusProcessing))
		if err != nil {
			return nil, fmt.Errorf("claim outbox records: %w", err)
		}
		defer rows.Close()

		return scanRecords(rows)
	})
	if err != nil {
		return nil, handleSpanError(span, "failed to claim outbox records", err)
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].ID.String() < claimed[j].ID.String()
		}

		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})

	return claimed, nil
}

// MarkCompleted finishes a processing record.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	ctx, span := s.startSpan(ctx, "mark_completed")
	defer span.End()

	_, err := withTxOrExisting(ctx, s, nil, tenantFromContext(ctx), func(tx *sql.Tx) (struct{}, error) {
		now := s.now().UTC()

		result, err := tx.ExecContext(ctx, `UPDATE `+s.table("event_outbox")+`
SET status = $1, processing_started_at = NULL, updated_at = $2
WHERE id = $3 AND status = $4`,
			string(outbox.StatusCompleted), now, id, string(outbox.StatusProcessing))
		if err != nil {
			return struct{}{}, fmt.Errorf("mark completed: %w", err)
		}

		return struct{}{}, ensureRowsAffected(result, id.String())
	})

	return handleSpanError(span, "failed to mark outbox record completed", err)
}

// MarkFailed records a failed attempt, rescheduling or dead-lettering the record.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, policy backoff.Policy) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}

	ctx, span := s.startSpan(ctx, "mark_failed")
	defer span.End()

	willRetry, err := withTxOrExisting(ctx, s, nil, tenantFromContext(ctx), func(tx *sql.Tx) (bool, error) {
		rec, err := s.lockProcessing(ctx, tx, id)
		if err != nil {
			return false, err
		}

		now := s.now().UTC()
		outcome := outbox.DecideFailure(rec, errMsg, policy, now)

		result, err := tx.ExecContext(ctx, `UPDATE `+s.table("event_outbox")+`
SET status = $1, retry_count = $2, last_error = $3, next_attempt_at = $4, processing_started_at = NULL, updated_at = $5
WHERE id = $6 AND status = $7`,
			string(outcome.Status), outcome.RetryCount, outcome.LastError, outcome.NextAttemptAt.UTC(), now,
			id, string(outbox.StatusProcessing))
		if err != nil {
			return false, fmt.Errorf("mark failed: %w", err)
		}

		if err := ensureRowsAffected(result, id.String()); err != nil {
			return false, err
		}

		if outcome.WillRetry() {
			return true, nil
		}

		rec.RetryCount = outcome.RetryCount

		return false, s.insertDeadLetter(ctx, tx, outbox.NewDeadLetter(rec, outcome.LastError, outcome.RetryCount, now))
	})
	if err != nil {
		return false, handleSpanError(span, "failed to mark outbox record failed", err)
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

	ctx, span := s.startSpan(ctx, "mark_dead_letter")
	defer span.End()

	_, err := withTxOrExisting(ctx, s, nil, tenantFromContext(ctx), func(tx *sql.Tx) (struct{}, error) {
		rec, err := s.lockProcessing(ctx, tx, id)
		if err != nil {
			return struct{}{}, err
		}

		now := s.now().UTC()
		rec.RetryCount++
		reason := outbox.SanitizeErrorMessage(reason)

		result, err := tx.ExecContext(ctx, `UPDATE `+s.table("event_outbox")+`
SET status = $1, retry_count = $2, last_error = $3, processing_started_at = NULL, updated_at = $4
WHERE id = $5 AND status = $6`,
			string(outbox.StatusDeadLetter), rec.RetryCount, reason, now, id, string(outbox.StatusProcessing))
		if err != nil {
			return struct{}{}, fmt.Errorf("mark dead letter: %w", err)
		}

		if err := ensureRowsAffected(result, id.String()); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, s.insertDeadLetter(ctx, tx, outbox.NewDeadLetter(rec, reason, rec.RetryCount, now))
	})

	return handleSpanError(span, "failed to dead-letter outbox record", err)
}

// FindStuck lists processing records claimed more than olderThan ago.
func (s *Store) FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*outbox.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	primary, err := s.conn.Primary()
	if err != nil {
		return nil, err
	}

	rows, err := primary.QueryContext(ctx, `SELECT `+recordColumns("")+` FROM `+s.table("event_outbox")+`
WHERE status = $1 AND processing_started_at < $2
ORDER BY processing_started_at ASC
LIMIT $3`, string(outbox.StatusProcessing), s.now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetByID loads one record from the primary.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	primary, err := s.conn.Primary()
	if err != nil {
		return nil, err
	}

	return scanRecord(primary.QueryRowContext(ctx,
		`SELECT `+recordColumns("")+` FROM `+s.table("event_outbox")+` WHERE id = $1`, id))
}

// CountByStatus counts records per status. It may be served by a replica.
func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	resolver, err := s.conn.Resolver()
	if err != nil {
		return nil, err
	}

	rows, err := resolver.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+s.table("event_outbox")+` GROUP BY status`)
	if err != nil {
		s.logSanitizedError(ctx, "failed to count outbox records", err)
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

func (s *Store) lockProcessing(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*outbox.Record, error) {
	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns("")+` FROM `+s.table("event_outbox")+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	if rec.Status != outbox.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", outbox.ErrStateTransitionConflict, id, rec.Status)
	}

	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*outbox.Record, error) {
	var out []*outbox.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox records: %w", err)
	}

	return out, nil
}

func scanRecord(row scanner) (*outbox.Record, error) {
	var (
		rec       outbox.Record
		id        string
		payload   string
		status    string
		startedAt sql.NullTime
	)

	err := row.Scan(&id, &rec.EventName, &rec.SourceModule, &payload, &status, &rec.RetryCount, &rec.MaxRetries,
		&rec.CorrelationID, &rec.TenantID, &rec.LastError, &rec.NextAttemptAt, &startedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrRecordNotFound
		}

		return nil, fmt.Errorf("scan outbox record: %w", err)
	}

	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse outbox id: %w", err)
	}

	if rec.Status, err = outbox.ParseStatus(status); err != nil {
		return nil, err
	}

	rec.Payload = []byte(payload)
	rec.NextAttemptAt = rec.NextAttemptAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	if startedAt.Valid {
		started := startedAt.Time.UTC()
		rec.ProcessingStartedAt = &started
	}

	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}

	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}
