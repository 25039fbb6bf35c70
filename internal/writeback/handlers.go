package writeback

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/safeharborhq/compliance-core/internal/common"
	"github.com/safeharborhq/compliance-core/internal/orgctx"
	"github.com/safeharborhq/compliance-core/internal/runs"
)

// Handler exposes the write-back staging and execution API, nested under a
// run resource.
type Handler struct {
	Service *Service
}

func (h *Handler) Prepare(w http.ResponseWriter, r *http.Request) {
	orgID, runID, _, ok := h.scope(w, r, false)
	if !ok {
		return
	}
	records, err := h.Service.Prepare(r.Context(), orgID, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"records": records})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	orgID, runID, _, ok := h.scope(w, r, false)
	if !ok {
		return
	}
	records, err := h.Service.Records(r.Context(), orgID, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	orgID, runID, actorID, ok := h.scope(w, r, true)
	if !ok {
		return
	}
	records, err := h.Service.Approve(r.Context(), orgID, runID, actorID)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	orgID, runID, actorID, ok := h.scope(w, r, true)
	if !ok {
		return
	}
	report, err := h.Service.Execute(r.Context(), orgID, runID, actorID)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, report)
}

func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	orgID, runID, actorID, ok := h.scope(w, r, true)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	report, err := h.Service.Rollback(r.Context(), orgID, runID, actorID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, report)
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request, needActor bool) (orgID, runID, actorID uuid.UUID, ok bool) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "write-back not configured", nil)
		return
	}
	orgID, found := orgctx.From(r.Context())
	if !found {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid run id", nil)
		return
	}
	if needActor {
		userID, found := common.UserID(r.Context())
		if !found {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
			return
		}
		actorID, err = uuid.Parse(userID)
		if err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user id", nil)
			return
		}
	}
	return orgID, runID, actorID, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runs.ErrRunNotFound), errors.Is(err, ErrRecordNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ErrActorRequired):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, ErrRunNotFinalized), errors.Is(err, ErrAlreadyPrepared),
		errors.Is(err, ErrInvalidState), errors.Is(err, ErrNothingStaged),
		errors.Is(err, ErrNothingToExecute), errors.Is(err, ErrNothingToRollBack):
		common.JSONError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, ErrPosterUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "write-back operation failed", nil)
	}
}
