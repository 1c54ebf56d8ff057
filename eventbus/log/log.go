package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logging contract used across the event bus.
// Implementations must be safe for concurrent use.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level represents the severity of a log entry.
//
// Lower numeric values indicate higher severity. A logger configured at
// LevelInfo emits Error, Warn and Info entries and suppresses Debug.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of a log level.
func (level Level) String() string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel takes a string level and returns a Level constant.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}

	var l Level

	return l, fmt.Errorf("not a valid Level: %q", lvl)
}

// Field is a strongly-typed key/value attribute attached to a log event.
type Field struct {
	Key   string
	Value any
}

// Any creates a field with an arbitrary value.
//
// Prefer the typed constructors so payloads and secrets are not logged by accident.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates the conventional `error` field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Delivery field keys shared by every component that logs about an event.
const (
	KeyEventName  = "event_name"
	KeyEventID    = "event_id"
	KeyOutboxID   = "outbox_id"
	KeyHandlerID  = "handler_id"
	KeyModuleID   = "module_id"
	KeyRetryCount = "retry_count"
)

// EventName tags an entry with the dotted or colon-separated event name.
func EventName(name string) Field { return String(KeyEventName, name) }

// EventID tags an entry with the event id.
func EventID(id fmt.Stringer) Field { return String(KeyEventID, id.String()) }

// OutboxID tags an entry with the outbox row id.
func OutboxID(id fmt.Stringer) Field { return String(KeyOutboxID, id.String()) }

// HandlerID tags an entry with the handler that ran.
func HandlerID(id string) Field { return String(KeyHandlerID, id) }

// ModuleID tags an entry with the emitting or handling module.
func ModuleID(id string) Field { return String(KeyModuleID, id) }

// RetryCount tags an entry with the attempts already spent on a row.
func RetryCount(n int) Field { return Int(KeyRetryCount, n) }
