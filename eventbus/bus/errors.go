package bus

import "errors"

var (
	ErrBusRequired           = errors.New("event bus is required")
	ErrStoreRequired         = errors.New("outbox store is required")
	ErrRegistryRequired      = errors.New("handler registry is required")
	ErrBusDisabled           = errors.New("event bus is disabled")
	ErrBusClosed             = errors.New("event bus is closed")
	ErrQueryTimeout          = errors.New("query timed out waiting for reply")
	ErrCorrelationIDRequired = errors.New("correlation id is required")
	ErrReplyPayloadInvalid   = errors.New("reply payload is not valid JSON")
)
