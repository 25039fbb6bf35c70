// Package cache builds org-scoped Redis key names so cached analytics
// results never leak across organizations.
package cache

import (
	"context"

	"github.com/safeharborhq/compliance-core/internal/orgctx"
)

// KeyAnalytics returns a per-organization cache key for analytics queries.
func KeyAnalytics(ctx context.Context, base string) string {
	id, ok := orgctx.From(ctx)
	if !ok {
		return "an:" + base
	}
	return id.String() + ":an:" + base
}
