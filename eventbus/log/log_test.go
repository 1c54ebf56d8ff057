//go:build unit

package log

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEntry struct {
	level  Level
	msg    string
	fields []Field
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []recordedEntry
	enabled bool
}

func (l *recordingLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, recordedEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) With(_ ...Field) Logger { return l }

func (l *recordingLogger) WithGroup(_ string) Logger { return l }

func (l *recordingLogger) Enabled(_ Level) bool { return l.enabled }

func (l *recordingLogger) Sync(_ context.Context) error { return nil }

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{input: "debug", expected: LevelDebug},
		{input: "INFO", expected: LevelInfo},
		{input: "warning", expected: LevelWarn},
		{input: " error ", expected: LevelError},
		{input: "fatal", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), LevelError, "dropped", String("k", "v"))
	})
	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(Int("n", 1)))
	assert.NoError(t, logger.Sync(context.Background()))
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, OrNop(nil))

	rec := &recordingLogger{}
	assert.Same(t, rec, OrNop(rec))
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	t.Run("production logs only the error type", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{enabled: true}
		SafeError(rec, context.Background(), "handler failed", errors.New("password=hunter2"), true, String(KeyHandlerID, "h1"))

		require.Len(t, rec.entries, 1)
		assert.Equal(t, LevelError, rec.entries[0].level)
		assert.Equal(t, String(KeyHandlerID, "h1"), rec.entries[0].fields[0])
		assert.Equal(t, "error_type", rec.entries[0].fields[1].Key)
		assert.Equal(t, "*errors.errorString", rec.entries[0].fields[1].Value)
	})

	t.Run("development logs the error", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{enabled: true}
		err := errors.New("boom")
		SafeError(rec, context.Background(), "handler failed", err, false)

		require.Len(t, rec.entries, 1)
		assert.Equal(t, Err(err), rec.entries[0].fields[0])
	})

	t.Run("nil error and disabled logger are ignored", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{enabled: false}
		SafeError(rec, context.Background(), "x", errors.New("boom"), false)
		SafeError(rec, context.Background(), "x", nil, false)
		SafeError(nil, context.Background(), "x", errors.New("boom"), false)

		assert.Empty(t, rec.entries)
	})
}

type stringID string

func (s stringID) String() string { return string(s) }

func TestDeliveryFields(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Field{Key: KeyEventName, Value: "order:completed"}, EventName("order:completed"))
	assert.Equal(t, Field{Key: KeyEventID, Value: "e-1"}, EventID(stringID("e-1")))
	assert.Equal(t, Field{Key: KeyOutboxID, Value: "o-1"}, OutboxID(stringID("o-1")))
	assert.Equal(t, Field{Key: KeyHandlerID, Value: "billing"}, HandlerID("billing"))
	assert.Equal(t, Field{Key: KeyModuleID, Value: "orders"}, ModuleID("orders"))
	assert.Equal(t, Field{Key: KeyRetryCount, Value: 3}, RetryCount(3))
}
