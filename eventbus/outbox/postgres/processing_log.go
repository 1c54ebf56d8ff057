package postgres

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

	primary, err := s.conn.Primary()
	if err != nil {
		return false, err
	}

	var exists bool

	err = primary.QueryRowContext(ctx, `SELECT EXISTS (
SELECT 1 FROM `+s.table("event_processing_log")+`
WHERE idempotency_key = $1 AND handler_id = $2 AND completed)`,
		idempotencyKey, handlerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processing log: %w", err)
	}

	return exists, nil
}

// Reserve inserts an uncompleted entry, or takes over one older than lease.
// The unique (idempotency_key, handler_id) key lets exactly one concurrent
// delivery win.
func (s *Store) Reserve(ctx context.Context, idempotencyKey, handlerID string, lease time.Duration) (bool, error) {
	if err := outbox.ValidateProcessingKey(idempotencyKey, handlerID); err != nil {
		return false, err
	}

	if err := s.ready(ctx); err != nil {
		return false, err
	}

	primary, err := s.conn.Primary()
	if err != nil {
		return false, err
	}

	now := s.now().UTC()

	result, err := primary.ExecContext(ctx, `INSERT INTO `+s.table("event_processing_log")+` AS l
(idempotency_key, handler_id, processed_at, completed)
VALUES ($1, $2, $3, FALSE)
ON CONFLICT (idempotency_key, handler_id) DO UPDATE SET processed_at = EXCLUDED.processed_at
WHERE NOT l.completed AND l.processed_at <= $4`,
		idempotencyKey, handlerID, now, now.Add(-lease))
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

	primary, err := s.conn.Primary()
	if err != nil {
		return false, err
	}

	result, err := primary.ExecContext(ctx, `INSERT INTO `+s.table("event_processing_log")+` AS l
(idempotency_key, handler_id, processed_at, completed)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (idempotency_key, handler_id) DO UPDATE SET processed_at = EXCLUDED.processed_at, completed = TRUE
WHERE NOT l.completed`,
		idempotencyKey, handlerID, s.now().UTC())
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

	primary, err := s.conn.Primary()
	if err != nil {
		return err
	}

	_, err = primary.ExecContext(ctx, `DELETE FROM `+s.table("event_processing_log")+`
WHERE idempotency_key = $1 AND handler_id = $2 AND NOT completed`,
		idempotencyKey, handlerID)
	if err != nil {
		return fmt.Errorf("release processing log: %w", err)
	}

	return nil
}
