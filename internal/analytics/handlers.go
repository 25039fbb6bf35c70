package analytics

import (
	"net/http"
	"time"

	"github.com/safeharborhq/compliance-core/internal/common"
	"github.com/safeharborhq/compliance-core/internal/orgctx"
)

// Handler exposes analytics read endpoints.
type Handler struct {
	Svc *Service
}

// CreditTrend returns per-run credit totals for the requested range.
func (h *Handler) CreditTrend(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "ANALYTICS_NOT_CONFIGURED", "analytics service not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	from, to, perr := h.parseRange(r)
	if perr != "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", perr, nil)
		return
	}
	points, err := h.Svc.CreditTrend(r.Context(), orgID, from, to)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "ANALYTICS_ERROR", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": points})
}

// parseRange resolves the requested window: explicit from/to dates, or
// a trailing number of days ending now. The error return is a
// user-facing message, empty on success.
func (h *Handler) parseRange(r *http.Request) (from, to time.Time, errMsg string) {
	query := r.URL.Query()
	fromStr, toStr := query.Get("from"), query.Get("to")

	if fromStr != "" && toStr != "" {
		var err error
		if from, err = time.Parse("2006-01-02", fromStr); err != nil {
			return from, to, "invalid from date"
		}
		if to, err = time.Parse("2006-01-02", toStr); err != nil {
			return from, to, "invalid to date"
		}
	} else {
		days := h.Svc.DefaultRange
		if days <= 0 {
			days = 365
		}
		if raw := query.Get("days"); raw != "" {
			if parsed := common.AtoiDefault(raw, days); parsed > 0 {
				days = parsed
			}
		}
		to = h.Svc.now()
		from = to.AddDate(0, 0, -days)
	}
	if !from.Before(to) {
		return from, to, "from must be before to"
	}
	return from, to, ""
}

// TopEmployees returns the employees with the largest combined credits
// across finalized runs.
func (h *Handler) TopEmployees(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "ANALYTICS_NOT_CONFIGURED", "analytics service not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	q := r.URL.Query()
	limit := common.AtoiDefault(q.Get("limit"), 10)
	offset := common.AtoiDefault(q.Get("offset"), 0)
	rows, err := h.Svc.TopCreditEmployees(r.Context(), orgID, limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "ANALYTICS_ERROR", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows})
}
