package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/config"
)

func newInMemoryApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Port = "0"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestAppServesTelemetryInMemory(t *testing.T) {
	a := newInMemoryApp(t)
	h := a.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/meters", bytes.NewBufferString(`{"serialNumber":"M-1"}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/iot/telemetry", bytes.NewBufferString(`{"deviceSerial":"M-1","flowRate":900}`)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `meter_service_readings_accepted_total{classification="BURST"} 1`)
	assert.Contains(t, body, `meter_service_classification_transitions_total{to="BURST"} 1`)
}

func TestAppRunStopsOnCancel(t *testing.T) {
	a := newInMemoryApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}
