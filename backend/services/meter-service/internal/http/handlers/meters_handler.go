package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/query"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// MeterSurface is the query surface the meter endpoints use.
type MeterSurface interface {
	Snapshot(ctx context.Context) ([]query.View, error)
	Get(ctx context.Context, id string) (query.View, error)
	Resolve(ctx context.Context, id string) (query.View, error)
	CreateMeter(ctx context.Context, in registry.CreateInput) (query.View, error)
	UpdateMeter(ctx context.Context, id string, patch query.MeterPatch) (query.View, error)
	AuditLog(ctx context.Context, meterID string, limit int) ([]models.AuditEvent, error)
}

// MetersHandlers serves the meter and audit endpoints.
type MetersHandlers struct {
	surface MeterSurface
	logger  *zap.Logger
}

// NewMetersHandlers builds handler set.
func NewMetersHandlers(surface MeterSurface, logger *zap.Logger) *MetersHandlers {
	return &MetersHandlers{surface: surface, logger: logger}
}

type createMeterRequest struct {
	SerialNumber string           `json:"serialNumber"`
	Location     *models.Location `json:"location"`
}

type patchMeterRequest struct {
	Status          *models.Status  `json:"status"`
	Location        json.RawMessage `json:"location"`
	CurrentFlowRate *float64        `json:"currentFlowRate"`
}

// List handles GET /api/meters.
func (h *MetersHandlers) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.surface.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// Create handles POST /api/meters.
func (h *MetersHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createMeterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	view, err := h.surface.CreateMeter(r.Context(), registry.CreateInput{
		SerialNumber: req.SerialNumber,
		Location:     req.Location,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// Get handles GET /api/meters/{id}.
func (h *MetersHandlers) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.surface.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Patch handles PATCH /api/meters/{id}. Setting currentFlowRate to 0 is the
// field app's way of resolving an anomaly; any other flow value is rejected.
func (h *MetersHandlers) Patch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req patchMeterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	patch := query.MeterPatch{Status: req.Status}
	hasLocation := len(req.Location) > 0
	if hasLocation {
		if bytes.Equal(bytes.TrimSpace(req.Location), []byte("null")) {
			patch.ClearLocation = true
		} else {
			var loc models.Location
			if err := json.Unmarshal(req.Location, &loc); err != nil {
				writeError(w, http.StatusBadRequest, "invalid location")
				return
			}
			patch.Location = &loc
		}
	}

	if req.CurrentFlowRate != nil {
		if *req.CurrentFlowRate != 0 {
			writeError(w, http.StatusBadRequest, "currentFlowRate can only be reset to 0")
			return
		}
		patch.ResetFlow = true
	}

	if req.Status == nil && !hasLocation && !patch.ResetFlow {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	view, err := h.surface.UpdateMeter(r.Context(), id, patch)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Resolve handles POST /api/meters/{id}/resolve.
func (h *MetersHandlers) Resolve(w http.ResponseWriter, r *http.Request) {
	view, err := h.surface.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Events handles GET /api/meters/{id}/events.
func (h *MetersHandlers) Events(w http.ResponseWriter, r *http.Request) {
	h.writeEvents(w, r, chi.URLParam(r, "id"))
}

// AuditEvents handles GET /api/audit-events.
func (h *MetersHandlers) AuditEvents(w http.ResponseWriter, r *http.Request) {
	h.writeEvents(w, r, "")
}

func (h *MetersHandlers) writeEvents(w http.ResponseWriter, r *http.Request, meterID string) {
	limit, err := parseLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.surface.AuditLog(r.Context(), meterID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
