package httpapi

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/auth"
)

var publicPaths = map[string]struct{}{
	"/healthz":        {},
	"/system/version": {},
	"/api/auth/login": {},
}

var adminPrefixes = []string{
	"/api/admin",
}

func requireTenantHeaderEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("REQUIRE_TENANT_HEADER"))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// wrapWithAuth resolves the bearer token on every non-public request to a
// Principal via validator, rejecting the request with 401 when no token
// validates. The websocket upgrade path authenticates separately via its
// own token query parameter and never passes through this middleware.
func wrapWithAuth(next http.Handler, validator auth.Validator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" || validator == nil {
			unauthorised(w, r)
			return
		}

		principal, err := validator.Validate(token)
		if err != nil {
			unauthorised(w, r)
			return
		}

		ctx := withPrincipal(r.Context(), principal.Subject, principal.Role, principal.TenantID)
		ctx = withTenant(ctx, r) // an explicit header always wins over the token's claim
		if requireTenantHeaderEnabled() && strings.TrimSpace(tenantFromCtx(ctx)) == "" {
			writeError(w, r, apperror.Forbidden("tenant header required"))
			return
		}
		if !enforceRole(w, r, ctx) {
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// enforceRole rejects admin-prefixed paths for non-admin principals and,
// when tenant enforcement is on, any request still missing a tenant.
func enforceRole(w http.ResponseWriter, r *http.Request, ctx context.Context) bool {
	path := r.URL.Path
	role := roleFromCtx(ctx)
	tenant := tenantFromCtx(ctx)

	if isAdminPath(path) && role != "admin" {
		writeError(w, r, apperror.Forbidden("admin role required"))
		return false
	}
	if requireTenantHeaderEnabled() && strings.TrimSpace(tenant) == "" {
		writeError(w, r, apperror.Forbidden("tenant header required"))
		return false
	}
	return true
}

func isAdminPath(path string) bool {
	for _, p := range adminPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func unauthorised(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, r, apperror.Auth("unauthorised"))
}
