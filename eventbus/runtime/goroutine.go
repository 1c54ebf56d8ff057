package runtime

import (
	"context"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
)

// SafeGo launches fn on a new goroutine with panic recovery. A panic is
// logged and recorded on the span in ctx; it never crashes the process.
func SafeGo(ctx context.Context, logger libLog.Logger, component, name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}

	go func() {
		defer RecoverAndLogWithContext(ctx, logger, component, name)

		fn(ctx)
	}()
}
