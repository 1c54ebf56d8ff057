package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
)

// HasProcessed reports whether handlerID completed for idempotencyKey.
func (s *Store) HasProcessed(ctx context.Context, idempotencyKey, handlerID string) (bool, error) {
	if err := outbox.ValidateProcessingKey(idempotencyKey, handlerID); err != nil {
		return false, err
	}

	if err := s.ready(ctx); err != nil {
		return false, err
	}

	var exists int

	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (
SELECT 1 FROM event_processing_log WHERE idempotency_key = ? AND handler_id = ? AND completed = 1)`,
		idempotencyKey, handlerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processing log: %w", err)
	}

	return exists == 1, nil
}

// Reserve inserts an uncompleted entry, or takes over one older than lease.
func (s *Store) Reserve(ctx context.Context, idempotencyKey, handlerID string, lease time.Duration) (bool, error) {
	if err := outbox.ValidateProcessingKey(idempotencyKey, handlerID); err != nil {
		return false, err
	}

	if err := s.ready(ctx); err != nil {
		return false, err
	}

	now := s.now()

	result, err := s.db.ExecContext(ctx, `INSERT INTO event_processing_log (idempotency_key, handler_id, processed_at, completed)
VALUES (?, ?, ?, 0)
ON CONFLICT (idempotency_key, handler_id) DO UPDATE SET processed_at = excluded.processed_at
WHERE event_processing_log.completed = 0 AND event_processing_log.processed_at <= ?`,
		idempotencyKey, handlerID, millis(now), millis(now.Add(-lease)))
	if err != nil {
		return false, fmt.Errorf("reserve processing log: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("processing log rows affected: %w", err)
	}

	return affected == 1, nil
}

// MarkProcessed completes the pair, inserting it when absent.
func (s *Store) MarkProcessed(ctx context.Context, idempotencyKey, handlerID string) (bool, error) {
	if err := outbox.ValidateProcessingKey(idempotencyKey, handlerID); err != nil {
		return false, err
	}

	if err := s.ready(ctx); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `INSERT INTO event_processing_log (idempotency_key, handler_id, processed_at, completed)
VALUES (?, ?, ?, 1)
ON CONFLICT (idempotency_key, handler_id) DO UPDATE SET processed_at = excluded.processed_at, completed = 1
WHERE event_processing_log.completed = 0`,
		idempotencyKey, handlerID, millis(s.now()))
	if err != nil {
		return false, fmt.Errorf("record processing log: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("processing log rows affected: %w", err)
	}

	return affected == 1, nil
}

// Release deletes the pair unless it completed.
func (s *Store) Release(ctx context.Context, idempotencyKey, handlerID string) error {
	if err := outbox.ValidateProcessingKey(idempotencyKey, handlerID); err != nil {
		return err
	}

	if err := s.ready(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM event_processing_log
WHERE idempotency_key = ? AND handler_id = ? AND completed = 0`,
		idempotencyKey, handlerID)
	if err != nil {
		return fmt.Errorf("release processing log: %w", err)
	}

	return nil
}
