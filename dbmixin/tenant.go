package dbmixin

import "context"

type tenantContextKey struct{}

// ContextWithTenant scopes the queries run with ctx to tenant. A nil tenant
// leaves ctx unchanged.
func ContextWithTenant(ctx context.Context, tenant any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if tenant == nil {
		return ctx
	}
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

// TenantFromContext returns the tenant attached with ContextWithTenant.
func TenantFromContext(ctx context.Context) (any, bool) {
	if ctx == nil {
		return nil, false
	}
	tenant := ctx.Value(tenantContextKey{})
	return tenant, tenant != nil
}
