package runs

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/safeharborhq/compliance-core/internal/common"
	"github.com/safeharborhq/compliance-core/internal/orgctx"
)

// Handler exposes the run lifecycle over HTTP. All routes require an
// organization on the context.
type Handler struct {
	Service *Service
}

type createRequest struct {
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
	TaxYear     int    `json:"tax_year" validate:"omitempty,min=2000,max=2100"`
	Kind        string `json:"run_kind" validate:"omitempty,oneof=periodic quarterly annual ad_hoc retro_audit"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "run service not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	if err := common.ValidateStruct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", common.ValidationMessage(err), nil)
		return
	}
	periodStart, err := time.Parse("2006-01-02", req.PeriodStart)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "period_start must be YYYY-MM-DD", nil)
		return
	}
	periodEnd, err := time.Parse("2006-01-02", req.PeriodEnd)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "period_end must be YYYY-MM-DD", nil)
		return
	}
	run, err := h.Service.Create(r.Context(), CreateInput{
		OrganizationID: orgID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		TaxYear:        req.TaxYear,
		Kind:           RunKind(req.Kind),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPeriod), errors.Is(err, ErrInvalidKind):
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		case errors.Is(err, ErrPeriodConflict):
			common.JSONError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
		default:
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to create run", nil)
		}
		return
	}
	common.JSON(w, http.StatusCreated, run)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "run service not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 20)
	if perPage > 100 {
		perPage = 100
	}
	runs, err := h.Service.List(r.Context(), ListFilter{
		OrganizationID: orgID,
		Status:         RunStatus(r.URL.Query().Get("status")),
		Kind:           RunKind(r.URL.Query().Get("kind")),
		Limit:          perPage,
		Offset:         (page - 1) * perPage,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list runs", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": runs,
		"pagination": common.Pagination{
			Page:       page,
			PerPage:    perPage,
			TotalItems: len(runs),
		},
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.withRun(w, r, func(run Run) {
		common.JSON(w, http.StatusOK, map[string]any{
			"run":      run,
			"progress": run.Progress(),
		})
	})
}

func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "run service not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid run id", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 50)
	if perPage > 500 {
		perPage = 500
	}
	results, err := h.Service.Results(r.Context(), orgID, runID, perPage, (page-1)*perPage)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "run not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list results", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": results,
		"pagination": common.Pagination{
			Page:       page,
			PerPage:    perPage,
			TotalItems: len(results),
		},
	})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(orgID, runID, actorID uuid.UUID) (Run, error) {
		return h.Service.Approve(r.Context(), orgID, runID, actorID)
	})
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	if err := common.ValidateStruct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", common.ValidationMessage(err), nil)
		return
	}
	h.decide(w, r, func(orgID, runID, actorID uuid.UUID) (Run, error) {
		return h.Service.Reject(r.Context(), orgID, runID, actorID, req.Reason)
	})
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(orgID, runID, actorID uuid.UUID) (Run, error) {
		return h.Service.Finalize(r.Context(), orgID, runID, actorID)
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "run service not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid run id", nil)
		return
	}
	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	run, err := h.Service.Cancel(r.Context(), orgID, runID, req.Reason)
	if err != nil {
		writeRunError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, run)
}

type retroAssessRequest struct {
	Periods []RetroPeriod `json:"periods" validate:"required,min=1,dive"`
	Willful bool          `json:"willful"`
}

// AssessRetro estimates missed-credit exposure for prior periods without
// creating a run, so an auditor can size a retro_audit before scheduling it.
func (h *Handler) AssessRetro(w http.ResponseWriter, r *http.Request) {
	if _, ok := orgctx.From(r.Context()); !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	var req retroAssessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	if err := common.ValidateStruct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", common.ValidationMessage(err), nil)
		return
	}
	common.JSON(w, http.StatusOK, AssessRetro(req.Periods, req.Willful))
}

func (h *Handler) withRun(w http.ResponseWriter, r *http.Request, respond func(Run)) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "run service not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid run id", nil)
		return
	}
	run, err := h.Service.Get(r.Context(), orgID, runID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	respond(run)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, decision func(orgID, runID, actorID uuid.UUID) (Run, error)) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "run service not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid run id", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	actorID, err := uuid.Parse(userID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid user id", nil)
		return
	}
	run, err := decision(orgID, runID, actorID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, run)
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRunNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "run not found", nil)
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrActorRequired):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, ErrNotApprovable), errors.Is(err, ErrNotFinalizable),
		errors.Is(err, ErrRunTerminal), errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "run operation failed", nil)
	}
}
