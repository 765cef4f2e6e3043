package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/ingest"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
)

// TelemetrySubmitter applies readings.
type TelemetrySubmitter interface {
	Submit(ctx context.Context, reading models.Reading) (ingest.Ack, error)
}

// TelemetryHandler receives readings from field devices.
type TelemetryHandler struct {
	pipeline TelemetrySubmitter
	logger   *zap.Logger
}

// NewTelemetryHandler builds handler.
func NewTelemetryHandler(pipeline TelemetrySubmitter, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{pipeline: pipeline, logger: logger}
}

// deviceId is what older firmware sends instead of deviceSerial.
type telemetryRequest struct {
	DeviceSerial string     `json:"deviceSerial"`
	DeviceID     string     `json:"deviceId"`
	FlowRate     *float64   `json:"flowRate"`
	Timestamp    *time.Time `json:"timestamp"`
}

// Submit handles POST /api/iot/telemetry.
func (h *TelemetryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.FlowRate == nil {
		writeError(w, http.StatusBadRequest, "flowRate is required")
		return
	}

	reading := models.Reading{
		DeviceSerial: req.DeviceSerial,
		FlowRate:     *req.FlowRate,
	}
	if reading.DeviceSerial == "" {
		reading.DeviceSerial = req.DeviceID
	}
	if req.Timestamp != nil {
		reading.Timestamp = *req.Timestamp
	}

	ack, err := h.pipeline.Submit(r.Context(), reading)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}
