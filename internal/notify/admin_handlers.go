package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/safeharborhq/compliance-core/internal/common"
)

// AdminHandler serves the webhook management endpoints: endpoint CRUD,
// delivery listing and manual replay.
type AdminHandler struct {
	Store Store
	Disp  *Dispatcher
}

type endpointRequest struct {
	Name   string   `json:"name" validate:"required"`
	URL    string   `json:"url" validate:"required,url"`
	Secret string   `json:"secret" validate:"required"`
	Active *bool    `json:"active"`
	Topics []string `json:"topics"`
}

func (req endpointRequest) toEndpoint(id uuid.UUID) Endpoint {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return Endpoint{
		ID:     id,
		Name:   req.Name,
		URL:    req.URL,
		Secret: req.Secret,
		Active: active,
		Topics: normaliseTopics(req.Topics),
	}
}

func (h *AdminHandler) storeReady(w http.ResponseWriter) bool {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrNotFound) {
		status = http.StatusNotFound
	}
	common.JSONError(w, status, "INTERNAL", err.Error(), nil)
}

// CreateEndpoint registers a webhook endpoint.
func (h *AdminHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.storeReady(w) {
		return
	}
	req, ok := decodeEndpointRequest(w, r)
	if !ok {
		return
	}
	endpoint, err := h.Store.CreateEndpoint(r.Context(), req.toEndpoint(uuid.Nil))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusCreated, endpoint)
}

// UpdateEndpoint replaces an endpoint's configuration.
func (h *AdminHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.storeReady(w) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	req, ok := decodeEndpointRequest(w, r)
	if !ok {
		return
	}
	endpoint, err := h.Store.UpdateEndpoint(r.Context(), req.toEndpoint(id))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, endpoint)
}

// ListEndpoints returns configured webhook endpoints.
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	if !h.storeReady(w) {
		return
	}
	limit, offset := pagination(r)
	endpoints, err := h.Store.ListEndpoints(r.Context(), limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": endpoints})
}

// DeleteEndpoint removes an endpoint. Past deliveries are kept for
// audit.
func (h *AdminHandler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.storeReady(w) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	if err := h.Store.DeleteEndpoint(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries returns delivery attempts filtered by status, endpoint
// or event.
func (h *AdminHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	if !h.storeReady(w) {
		return
	}
	limit, offset := pagination(r)
	filter := DeliveryFilter{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	if id, err := uuid.Parse(r.URL.Query().Get("endpointId")); err == nil {
		filter.EndpointID = id
	}
	if id, err := uuid.Parse(r.URL.Query().Get("eventId")); err == nil {
		filter.EventID = id
	}

	deliveries, err := h.Store.ListDeliveries(r.Context(), filter)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	total, err := h.Store.CountDeliveries(r.Context(), filter)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": deliveries, "total": total})
}

// ReplayDelivery resets a delivery and schedules it for immediate
// redelivery, clearing the replay guard so the send is not suppressed.
func (h *AdminHandler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	if !h.storeReady(w) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	delivery, err := h.Store.ResetDeliveryForReplay(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if h.Disp != nil {
		if h.Disp.Replay != nil {
			_ = h.Disp.Replay.Release(r.Context(), replayKey(delivery.EndpointID, delivery.EventID))
		}
		_ = h.Disp.EnqueueDelivery(r.Context(), delivery.ID.String(), 0, delivery.MaxAttempt)
	}
	common.JSON(w, http.StatusOK, delivery)
}

func decodeEndpointRequest(w http.ResponseWriter, r *http.Request) (endpointRequest, bool) {
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return req, false
	}
	if err := common.ValidateStruct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", common.ValidationMessage(err), nil)
		return req, false
	}
	if err := validateURL(req.URL); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return req, false
	}
	return req, true
}

// normaliseTopics lowercases, trims and dedupes the topic list. An
// empty list means the endpoint receives every topic.
func normaliseTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	result := make([]string, 0, len(topics))
	for _, topic := range topics {
		trimmed := strings.TrimSpace(strings.ToLower(topic))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return []string{}
	}
	return result
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
