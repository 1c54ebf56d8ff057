package log

import (
	"context"
	"fmt"
)

// SafeError logs errors with explicit production-aware sanitization.
// When production is true, only the error type is logged.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool, fields ...Field) {
	if logger == nil || err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, append(fields, String("error_type", fmt.Sprintf("%T", err)))...)
		return
	}

	logger.Log(ctx, LevelError, msg, append(fields, Err(err))...)
}
