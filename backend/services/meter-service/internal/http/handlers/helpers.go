package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/ingest"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

const (
	maxBodyBytes      = 64 << 10
	retryAfterSeconds = 1
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeServiceError maps domain errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidReading), errors.Is(err, registry.ErrInvalidMeter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "unknown device")
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "meter not found")
	case errors.Is(err, registry.ErrDuplicateSerialNumber):
		writeError(w, http.StatusConflict, "serial number already registered")
	case errors.Is(err, registry.ErrStorageUnavailable):
		logger.Warn("storage unavailable", zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		logger.Error("unexpected error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseLimit reads ?limit=, falling back to def and capping at ceiling.
func parseLimit(r *http.Request, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}
