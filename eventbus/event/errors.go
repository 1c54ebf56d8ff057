package event

import "errors"

var (
	ErrInvalidName          = errors.New("event name must have the form <module>:<action>")
	ErrSourceModuleRequired = errors.New("event source module is required")
	ErrPayloadTooLarge      = errors.New("event payload exceeds maximum allowed size")
	ErrPayloadNotJSON       = errors.New("event payload must be valid JSON")
)
