package middleware

import (
	"context"
	"net/http"
	"strings"

	"portrait/internal/domain"
)

const tenantKey contextKey = "tenant_id"

// Tenant resolves the caller's namespace from X-Tenant-ID, or derives it from
// X-User-Email. Requests carrying neither pass through without a tenant. An
// X-Tenant-ID outside [A-Za-z0-9_] is rejected with 400.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenant != "" && !domain.ValidTenantID(tenant) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_request","message":"invalid tenant id"}` + "\n"))
			return
		}
		if tenant == "" {
			if email := strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Email"))); email != "" {
				tenant = domain.TenantIDFromEmail(email)
			}
		}
		if tenant != "" {
			r = r.WithContext(context.WithValue(r.Context(), tenantKey, tenant))
		}
		next.ServeHTTP(w, r)
	})
}

func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok {
		return v
	}
	return ""
}
