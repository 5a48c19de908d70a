package httpapi

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const (
	ctxSubjectKey ctxKey = "httpapi.subject"
	ctxRoleKey    ctxKey = "httpapi.role"
	ctxTenantKey  ctxKey = "httpapi.tenant"
	ctxTraceKey   ctxKey = "httpapi.trace"
)

func withPrincipal(ctx context.Context, subject, role, tenant string) context.Context {
	ctx = context.WithValue(ctx, ctxSubjectKey, subject)
	ctx = context.WithValue(ctx, ctxRoleKey, role)
	if tenant != "" {
		ctx = context.WithValue(ctx, ctxTenantKey, tenant)
	}
	return ctx
}

func withTenant(ctx context.Context, r *http.Request) context.Context {
	tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenant == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxTenantKey, tenant)
}

func withTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxTraceKey, traceID)
}

func subjectFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubjectKey).(string)
	return v
}

func roleFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxRoleKey).(string)
	return v
}

func tenantFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTenantKey).(string)
	return v
}

func traceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTraceKey).(string)
	return v
}
