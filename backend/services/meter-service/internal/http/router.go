package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/http/middleware"
)

// Routes groups handlers.
type Routes struct {
	Telemetry    http.HandlerFunc
	ListMeters   http.HandlerFunc
	CreateMeter  http.HandlerFunc
	GetMeter     http.HandlerFunc
	PatchMeter   http.HandlerFunc
	ResolveMeter http.HandlerFunc
	MeterEvents  http.HandlerFunc
	AuditEvents  http.HandlerFunc
	MeterStream  http.HandlerFunc
	Health       http.HandlerFunc
	Metrics      http.Handler
}

// NewRouter registers endpoints. extra middlewares run inside the access log.
func NewRouter(routes Routes, logger *zap.Logger, extra ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, middleware.AccessLog(logger), chimw.Recoverer)
	for _, mw := range extra {
		if mw != nil {
			r.Use(mw)
		}
	}

	handle(r, http.MethodGet, "/health", routes.Health)
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}

	r.Route("/api", func(api chi.Router) {
		handle(api, http.MethodPost, "/iot/telemetry", routes.Telemetry)
		handle(api, http.MethodGet, "/audit-events", routes.AuditEvents)

		api.Route("/meters", func(m chi.Router) {
			handle(m, http.MethodGet, "/", routes.ListMeters)
			handle(m, http.MethodPost, "/", routes.CreateMeter)
			handle(m, http.MethodGet, "/ws", routes.MeterStream)
			handle(m, http.MethodGet, "/{id}", routes.GetMeter)
			handle(m, http.MethodPatch, "/{id}", routes.PatchMeter)
			handle(m, http.MethodPost, "/{id}/resolve", routes.ResolveMeter)
			handle(m, http.MethodGet, "/{id}/events", routes.MeterEvents)
		})
	})
	return r
}

// RoutePattern labels a routed request with its pattern, e.g. /api/meters/{id}.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func handle(r chi.Router, method, pattern string, h http.HandlerFunc) {
	if h == nil {
		return
	}
	r.MethodFunc(method, pattern, h)
}
