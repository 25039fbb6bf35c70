package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/safeharborhq/compliance-core/internal/common"
)

var errNoToken = errors.New("auth: token missing")

// Middleware wires actor context into HTTP handlers. Tokens are HMAC-signed
// bearer tokens carrying the actor identifier in sub and the role claim.
type Middleware struct {
	Secret    []byte
	Validator TokenValidator
	Now       func() time.Time
}

// Authenticate attaches the actor identity to the request context when a
// valid token is present; anonymous requests pass through untouched.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authenticateRequest(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth enforces that a valid token is present before executing the next handler.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authenticateRequest(r)
		if err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCapability enforces that the authenticated actor's role carries the
// capability. It implies RequireAuth.
func (m Middleware) RequireCapability(cap Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := common.ActorRole(r.Context())
			if !ParseRole(raw).Can(cap) {
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func (m Middleware) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Middleware) authenticateRequest(r *http.Request) (context.Context, error) {
	raw := extractToken(r)
	if raw == "" {
		return r.Context(), errNoToken
	}
	tok, err := jwt.ParseString(raw, jwt.WithKey(jwa.HS256, m.Secret), jwt.WithValidate(false))
	if err != nil {
		return r.Context(), err
	}
	alg, err := tokenAlgorithm(raw)
	if err != nil {
		return r.Context(), err
	}
	if err := m.Validator.Validate(tok, alg, m.now()); err != nil {
		return r.Context(), err
	}
	sub := strings.TrimSpace(tok.Subject())
	if sub == "" {
		return r.Context(), errors.New("auth: token missing subject")
	}
	role := ""
	if v, ok := tok.Get("role"); ok {
		if s, ok := v.(string); ok {
			role = s
		}
	}
	ctx := common.WithUserID(r.Context(), sub)
	ctx = common.WithActorRole(ctx, string(ParseRole(role)))
	return ctx, nil
}

func tokenAlgorithm(raw string) (jwa.SignatureAlgorithm, error) {
	msg, err := jws.ParseString(raw)
	if err != nil {
		return "", err
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return "", errors.New("auth: token has no signature")
	}
	return sigs[0].ProtectedHeaders().Algorithm(), nil
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
