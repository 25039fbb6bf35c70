package orgctx

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// DefaultHeader is the request header carrying the organization identifier.
const DefaultHeader = "X-Organization-ID"

// Resolver resolves organization identifiers from HTTP requests.
type Resolver struct {
	HeaderName string
	DefaultOrg uuid.UUID
}

// NewResolver returns a resolver configured with the provided header name.
// If headerName is empty, DefaultHeader is used.
func NewResolver(headerName string) *Resolver {
	if headerName == "" {
		headerName = DefaultHeader
	}
	return &Resolver{HeaderName: headerName}
}

// Middleware resolves the organization from the request and injects it into
// the context passed downstream. Requests without a resolvable organization
// pass through unchanged; guards downstream decide whether that is an error.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		orgID := r.Resolve(req)
		if orgID == uuid.Nil {
			orgID = r.DefaultOrg
		}
		if orgID != uuid.Nil {
			req = req.WithContext(With(req.Context(), orgID))
		}
		next.ServeHTTP(w, req)
	})
}

// Resolve attempts to find the organization identifier from the configured
// header or the org query parameter.
func (r *Resolver) Resolve(req *http.Request) uuid.UUID {
	if r == nil || req == nil {
		return uuid.Nil
	}
	if raw := strings.TrimSpace(req.Header.Get(r.HeaderName)); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id
		}
	}
	if raw := strings.TrimSpace(req.URL.Query().Get("organization_id")); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id
		}
	}
	return uuid.Nil
}
