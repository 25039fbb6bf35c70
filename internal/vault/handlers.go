package vault

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/safeharborhq/compliance-core/internal/common"
	"github.com/safeharborhq/compliance-core/internal/orgctx"
)

// Handler exposes the vault read API: entries are append-only, so the only
// writes reachable over HTTP are the export, which itself appends.
type Handler struct {
	Ledger    *Ledger
	Checker   Checker
	Processor Processor
	Exporter  Exporter
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "vault not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 50)
	if perPage > 500 {
		perPage = 500
	}
	entries, err := h.Ledger.Entries(r.Context(), ListFilter{
		OrganizationID: orgID,
		Type:           EntryType(r.URL.Query().Get("type")),
		Limit:          perPage,
		Offset:         (page - 1) * perPage,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list vault entries", nil)
		return
	}
	total, err := h.Ledger.Count(r.Context(), orgID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to count vault entries", nil)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	common.JSON(w, http.StatusOK, map[string]any{
		"data": entries,
		"pagination": common.Pagination{
			Page:       page,
			PerPage:    perPage,
			TotalItems: int(total),
		},
	})
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "vault not configured", nil)
		return
	}
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	entryID, err := uuid.Parse(chi.URLParam(r, "entryId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid entry id", nil)
		return
	}
	entry, err := h.Ledger.Entry(r.Context(), entryID)
	if err != nil || entry.OrganizationID != orgID {
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load vault entry", nil)
			return
		}
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "vault entry not found", nil)
		return
	}
	common.JSON(w, http.StatusOK, entry)
}

// VerifyChain runs a full integrity verification for the organization's
// chain and reports the first broken entry, if any.
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	result, err := h.Checker.VerifyChain(r.Context(), orgID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "chain verification failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, result)
}

func (h *Handler) VerifyEntry(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	entryID, err := uuid.Parse(chi.URLParam(r, "entryId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid entry id", nil)
		return
	}
	if h.Ledger != nil {
		entry, err := h.Ledger.Entry(r.Context(), entryID)
		if err != nil || entry.OrganizationID != orgID {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "vault entry not found", nil)
			return
		}
	}
	check, err := h.Checker.VerifyEntry(r.Context(), entryID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "vault entry not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "entry verification failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, check)
}

func (h *Handler) RetentionSummary(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	summary, err := h.Processor.Summary(r.Context(), orgID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load retention summary", nil)
		return
	}
	common.JSON(w, http.StatusOK, summary)
}

// Export generates an audit defense pack. format=xlsx streams a workbook;
// the default is the JSON pack.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgctx.From(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "ORGANIZATION_REQUIRED", "organization is required", nil)
		return
	}
	taxYear, _ := strconv.Atoi(r.URL.Query().Get("tax_year"))
	if taxYear == 0 {
		taxYear = time.Now().UTC().Year()
	}

	actor := Actor{Type: ActorAPI}
	if userID, ok := common.UserID(r.Context()); ok {
		if id, err := uuid.Parse(userID); err == nil {
			actor = Actor{ID: &id, Type: ActorUser}
		}
	}

	pack, err := h.Exporter.GeneratePack(r.Context(), orgID, ExportOptions{
		TaxYear:        taxYear,
		IncludeEntries: true,
		Actor:          actor,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to generate audit pack", nil)
		return
	}

	if r.URL.Query().Get("format") == "xlsx" {
		var buf bytes.Buffer
		if err := WriteWorkbook(pack, &buf); err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to render workbook", nil)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-pack-`+strconv.Itoa(taxYear)+`.xlsx"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}
	common.JSON(w, http.StatusOK, pack)
}
