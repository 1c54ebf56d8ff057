package outbox

import "errors"

var (
	ErrRecordRequired          = errors.New("outbox record is required")
	ErrRecordNotFound          = errors.New("outbox record not found")
	ErrDeadLetterNotFound      = errors.New("dead letter record not found")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrTransitionInvalid       = errors.New("invalid outbox status transition")
	ErrStateTransitionConflict = errors.New("outbox record is not in the expected state")
	ErrDuplicateRecord         = errors.New("outbox record already exists")
	ErrTxRequired              = errors.New("transaction is required")
	ErrTxUnsupported           = errors.New("store does not support caller transactions")
	ErrIdempotencyKeyRequired  = errors.New("idempotency key is required")
	ErrHandlerIDRequired       = errors.New("handler id is required")
	ErrLimitInvalid            = errors.New("limit must be greater than zero")
)
