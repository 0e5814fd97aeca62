// Package tenantx carries the resolved tenant through a request. Every
// repo query keys on this, so it is set exactly once, by the tenant
// middleware, after the tenant row was confirmed to exist.
package tenantx

import "context"

type contextKey struct{}

type TenantContext struct {
	ID string
}

func WithTenant(ctx context.Context, tenant TenantContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tenant)
}

func FromContext(ctx context.Context) (TenantContext, bool) {
	t, ok := ctx.Value(contextKey{}).(TenantContext)
	return t, ok
}

func TenantIDFromContext(ctx context.Context) string {
	t, _ := FromContext(ctx)
	return t.ID
}
