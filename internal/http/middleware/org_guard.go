package middleware

import (
	"net/http"

	"github.com/safeharborhq/compliance-core/internal/orgctx"
)

// RequireOrganization ensures an organization identifier exists in the
// request context before org-scoped handlers run.
func RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := orgctx.From(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"ORGANIZATION_REQUIRED","message":"organization is required"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
