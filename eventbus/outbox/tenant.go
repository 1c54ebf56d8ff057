package outbox

import (
	"context"
	"strings"
)

type tenantIDContextKey struct{}

// ContextWithTenantID returns a context carrying tenantID. Emitted events
// inherit it and handlers receive it back when the record is delivered.
func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, tenantIDContextKey{}, strings.TrimSpace(tenantID))
}

// TenantIDFromContext reads the tenant id from ctx.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	tenantID, ok := ctx.Value(tenantIDContextKey{}).(string)
	if !ok || tenantID == "" {
		return "", false
	}

	return tenantID, true
}
