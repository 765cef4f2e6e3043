package app

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libredis "github.com/theb0imanuu/ramani/backend/libs/redis"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/classifier"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/config"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/db"
	httpserver "github.com/theb0imanuu/ramani/backend/services/meter-service/internal/http"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/http/handlers"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/ingest"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/metrics"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/notify"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/query"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/repository"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/ws"
)

// App wires meter-service dependencies.
type App struct {
	server      *httpserver.Server
	handler     http.Handler
	hub         *ws.Hub
	notifier    *notify.Notifier
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	cls := classifier.New(cfg.Anomaly.BurstThreshold)
	m := metrics.New()

	reg := registry.New(store, cls, logger, registry.Options{LockTimeout: cfg.Registry.LockTimeout})
	reg.Subscribe(m)

	surface := query.NewSurface(reg, cls)
	a.hub = ws.NewHub(surface, cfg.Websocket.PingInterval, cfg.Websocket.WriteTimeout, logger)
	reg.Subscribe(a.hub)

	if cfg.RedisEnabled() {
		client, err := libredis.NewRedisClient(ctx, libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redisClient = client
		a.notifier = notify.New(client, logger, notify.Options{
			Channel:  cfg.Redis.Channel,
			StateTTL: cfg.Redis.StateTTL,
		})
		reg.Subscribe(a.notifier)
	}

	pipeline := ingest.NewPipeline(reg, cls, m, logger, ingest.Options{ResolveTimeout: cfg.Ingest.ResolveTimeout})

	telemetry := handlers.NewTelemetryHandler(pipeline, logger)
	meters := handlers.NewMetersHandlers(surface, logger)

	var storage handlers.Pinger
	if a.db != nil {
		storage = a.db
	}

	routes := httpserver.Routes{
		Telemetry:    telemetry.Submit,
		ListMeters:   meters.List,
		CreateMeter:  meters.Create,
		GetMeter:     meters.Get,
		PatchMeter:   meters.Patch,
		ResolveMeter: meters.Resolve,
		MeterEvents:  meters.Events,
		AuditEvents:  meters.AuditEvents,
		MeterStream:  a.hub.HandleWS,
		Health:       handlers.NewHealthHandler(storage),
		Metrics:      m.Handler(),
	}

	a.handler = httpserver.NewRouter(routes, logger, m.HTTPMiddleware(httpserver.RoutePattern))
	a.server = httpserver.NewServer(cfg.HTTPAddress(), a.handler, logger)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (registry.Store, error) {
	if !cfg.UsePostgres() {
		a.logger.Warn("no database configured, meters are kept in memory only")
		return registry.NewMemoryStore(), nil
	}

	sqlDB, err := db.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = sqlDB

	repo := repository.NewMeterRepository(sqlDB)
	if err := repo.Migrate(ctx); err != nil {
		return nil, err
	}
	a.logger.Info("using postgres meter store")
	return repo, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the HTTP server, the websocket hub and the notifier, and stops them all
// when ctx is done or any of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(ctx) })
	g.Go(func() error { return a.hub.Run(ctx) })
	if a.notifier != nil {
		g.Go(func() error { return a.notifier.Run(ctx) })
	}
	return g.Wait()
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
