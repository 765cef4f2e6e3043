package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/classifier"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/http/handlers"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/ingest"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/metrics"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/query"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := zap.NewNop()
	cls := classifier.New(classifier.DefaultBurstThreshold)
	m := metrics.New()
	reg := registry.New(registry.NewMemoryStore(), cls, logger, registry.Options{})
	reg.Subscribe(m)

	surface := query.NewSurface(reg, cls)
	pipeline := ingest.NewPipeline(reg, cls, m, logger, ingest.Options{})

	telemetry := handlers.NewTelemetryHandler(pipeline, logger)
	meters := handlers.NewMetersHandlers(surface, logger)

	return NewRouter(Routes{
		Telemetry:    telemetry.Submit,
		ListMeters:   meters.List,
		CreateMeter:  meters.Create,
		GetMeter:     meters.Get,
		PatchMeter:   meters.Patch,
		ResolveMeter: meters.Resolve,
		MeterEvents:  meters.Events,
		AuditEvents:  meters.AuditEvents,
		Health:       handlers.NewHealthHandler(nil),
		Metrics:      m.Handler(),
	}, logger, m.HTTPMiddleware(RoutePattern))
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestTelemetryFlowEndToEnd(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/meters", map[string]interface{}{
		"serialNumber": "M-1",
		"location":     map[string]float64{"longitude": 36.82, "latitude": -1.29},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[query.View](t, rec)

	rec = do(t, h, http.MethodPost, "/api/iot/telemetry", map[string]interface{}{"deviceSerial": "M-1", "flowRate": 600})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ack := decode[ingest.Ack](t, rec)
	assert.Equal(t, "acknowledged", ack.Status)
	assert.Equal(t, models.ClassificationBurst, ack.Classification)

	rec = do(t, h, http.MethodGet, "/api/meters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]query.View](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, 600.0, views[0].CurrentFlowRate)
	assert.Equal(t, models.ClassificationBurst, views[0].Classification)

	rec = do(t, h, http.MethodPost, "/api/meters/"+created.ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ClassificationNormal, decode[query.View](t, rec).Classification)

	rec = do(t, h, http.MethodGet, "/api/meters/"+created.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[struct {
		Events []models.AuditEvent `json:"events"`
	}](t, rec).Events
	require.Len(t, events, 2)
	assert.Equal(t, models.CauseTelemetry, events[0].Cause)
	assert.Equal(t, models.CauseOperatorResolve, events[1].Cause)

	rec = do(t, h, http.MethodGet, "/api/audit-events?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]models.AuditEvent](t, rec)["events"], 1)
}

func TestTelemetryErrors(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/meters", map[string]string{"serialNumber": "M-1"}).Code)

	rec := do(t, h, http.MethodPost, "/api/iot/telemetry", map[string]interface{}{"deviceSerial": "UNKNOWN", "flowRate": 10})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/iot/telemetry", map[string]interface{}{"deviceSerial": "M-1", "flowRate": -3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/iot/telemetry", map[string]interface{}{"deviceSerial": "M-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/iot/telemetry", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	h.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = do(t, h, http.MethodPost, "/api/iot/telemetry", map[string]interface{}{"deviceId": "M-1", "flowRate": 5})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMeterMetadataEndpoints(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/meters", map[string]string{"serialNumber": "M-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[query.View](t, rec).ID

	rec = do(t, h, http.MethodPost, "/api/meters", map[string]string{"serialNumber": "M-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPatch, "/api/meters/"+id, map[string]interface{}{
		"status":   "MAINTENANCE",
		"location": map[string]float64{"longitude": 36.8, "latitude": -1.3},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[query.View](t, rec)
	assert.Equal(t, models.StatusMaintenanceRequired, v.Status)
	require.NotNil(t, v.Location)

	rec = do(t, h, http.MethodPatch, "/api/meters/"+id, map[string]interface{}{"location": nil})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[query.View](t, rec).Location)

	rec = do(t, h, http.MethodPatch, "/api/meters/"+id, map[string]interface{}{"currentFlowRate": 0})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPatch, "/api/meters/"+id, map[string]interface{}{"currentFlowRate": 12})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPatch, "/api/meters/"+id, map[string]interface{}{"status": "BROKEN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/meters/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "M-1", decode[query.View](t, rec).SerialNumber)

	rec = do(t, h, http.MethodGet, "/api/meters/not-a-meter", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/audit-events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/health"`)

	rec = do(t, h, http.MethodDelete, "/api/meters", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return assert.AnError }

func TestHealthReportsStorage(t *testing.T) {
	rec := httptest.NewRecorder()
	handlers.NewHealthHandler(failingPinger{})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
