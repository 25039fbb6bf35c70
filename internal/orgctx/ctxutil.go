// Package orgctx resolves the organization an HTTP request operates on and
// carries it through the request context. Every run, result, and vault entry
// is scoped to exactly one organization.
package orgctx

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const orgContextKey contextKey = "org.id"

// With stores the organization identifier on the provided context.
func With(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, orgContextKey, id)
}

// From extracts the organization identifier from the context if present.
func From(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(orgContextKey)
	if v == nil {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
