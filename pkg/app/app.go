// Package app assembles the engine from configuration: storage, the tier
// catalog, the event bus with its notification handlers, the lifecycle
// service and the billing runner. Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/api"
	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/config"
	"github.com/platinummonkey/recur/pkg/events"
	"github.com/platinummonkey/recur/pkg/middleware"
	"github.com/platinummonkey/recur/pkg/notify"
	"github.com/platinummonkey/recur/pkg/observability"
	"github.com/platinummonkey/recur/pkg/payments"
	"github.com/platinummonkey/recur/pkg/storage"
	"github.com/platinummonkey/recur/pkg/storage/postgres"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
)

// Version is reported by health checks
var Version = "dev"

// poolStatser is implemented by backends with connection pools
type poolStatser interface {
	Stats() postgres.ConnectionStats
}

// App holds the wired components
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Clock    clockwork.Clock
	Store    storage.Backend
	Tiers    tiers.Reader
	Redis    *redis.Client
	Bus      events.Bus
	Service  *subscriptions.Service
	Runner   *billing.Runner
	Health   *observability.HealthChecker
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Shutdown *observability.ShutdownManager
}

// Option customises New
type Option func(*App)

// WithClock replaces the wall clock
func WithClock(clock clockwork.Clock) Option {
	return func(a *App) { a.Clock = clock }
}

// New wires every component. On error, whatever was already opened is
// released before returning.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = logrus.New()
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Clock:    clockwork.NewRealClock(),
		Health:   observability.NewHealthChecker(Version),
		Registry: prometheus.NewRegistry(),
		Shutdown: observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout),
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			if shutdownErr := a.Shutdown.Shutdown(context.Background()); shutdownErr != nil {
				logger.WithError(shutdownErr).Warn("Cleanup after failed start reported errors")
			}
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Observability.MetricsEnabled {
		a.Metrics = observability.NewMetrics(a.Registry)
	}

	if err = a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err = a.loadCatalog(ctx); err != nil {
		return nil, err
	}
	if err = a.openRedis(ctx); err != nil {
		return nil, err
	}
	if err = a.openBus(ctx); err != nil {
		return nil, err
	}

	var svcOpts []subscriptions.Option
	svcOpts = append(svcOpts, subscriptions.WithTierReader(a.Tiers))
	if days := cfg.Scheduler.Billing.GracePeriodDays; days > 0 {
		svcOpts = append(svcOpts, subscriptions.WithGracePeriodDays(days))
	}
	a.Service = subscriptions.NewService(a.Store, a.Bus, a.Clock, logger, svcOpts...)
	a.Runner = a.newRunner()

	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	store, err := storage.Open(ctx, a.Config.Storage, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.Store = store
	a.Shutdown.Register("storage", func(context.Context) error { return store.Close() })

	a.Health.AddCheck("storage", true, store.HealthCheck)
	if pg, ok := store.(*postgres.Store); ok {
		a.Health.AddCheck("database", false, observability.DatabaseCheck(pg.DB()))
	}

	a.Tiers = storage.TierReader(store, a.Config.Storage)
	return nil
}

// loadCatalog seeds tiers from the catalog file and optionally keeps watching it
func (a *App) loadCatalog(ctx context.Context) error {
	path := a.Config.Catalog.Path
	if path == "" {
		return nil
	}

	onReload := func([]*tiers.Tier) {
		if cached, ok := a.Tiers.(*tiers.CachedReader); ok {
			cached.Purge()
		}
	}
	watcher := tiers.NewWatcher(path, a.Store, onReload, a.Logger)
	if err := watcher.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load tier catalog: %w", err)
	}
	if !a.Config.Catalog.Watch {
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	if err := watcher.Start(watchCtx); err != nil {
		cancel()
		return err
	}
	a.Shutdown.Register("catalog watcher", func(context.Context) error {
		cancel()
		return nil
	})
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	if a.Config.Storage.RedisURL == "" {
		return nil
	}
	client, err := storage.NewRedisClient(ctx, a.Config.Storage)
	if err != nil {
		return err
	}
	a.Redis = client
	a.Shutdown.Register("redis", func(context.Context) error { return client.Close() })
	a.Health.AddCheck("redis", false, observability.RedisCheck(client))
	return nil
}

// openBus builds the event bus and subscribes the notification dispatcher
// and event metrics to it
func (a *App) openBus(ctx context.Context) error {
	n := a.Config.Notifications

	switch n.Bus {
	case config.BusRedis:
		if a.Redis == nil {
			return fmt.Errorf("redis event bus requires RECUR_REDIS_URL")
		}
		bus := events.NewRedisBus(a.Redis, n.RedisChannel, a.Logger)
		if err := bus.Listen(context.Background()); err != nil {
			return err
		}
		a.Bus = bus
	default:
		a.Bus = events.NewMemoryBus(context.Background(), n.Workers, n.HandlerTimeout, a.Logger)
	}
	a.Shutdown.Register("event bus", func(context.Context) error { return a.Bus.Close() })

	var notifier notify.Notifier = notify.NewLogNotifier(a.Logger)
	if n.Webhook.URL != "" {
		notifier = notify.Multi{notifier, notify.NewWebhookNotifier(n.Webhook, a.Logger)}
	}
	notify.NewDispatcher(notifier, a.Logger).Attach(a.Bus)

	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return fmt.Errorf("failed to create event metrics: %w", err)
	}
	otelMetrics.Attach(a.Bus)
	return nil
}

func (a *App) newRunner() *billing.Runner {
	p := a.Config.Payments
	var gateway payments.Gateway = payments.NewSimulated(p.RenewalSuccessRate, nil)
	if p.RateLimit > 0 {
		gateway = payments.NewRateLimited(gateway, p.RateLimit, p.RateBurst)
	}

	var deduper notify.Deduper = notify.NewLogDeduper(a.Store, a.Clock)
	var locker billing.Locker
	if a.Redis != nil {
		locker = billing.NewRedisLocker(a.Redis, "recur:lock:")
		if a.Config.Notifications.DedupeRedis {
			deduper = notify.NewRedisDeduper(a.Redis)
		}
	}

	return billing.NewRunner(billing.Deps{
		Store:     a.Store,
		Gateway:   gateway,
		Publisher: a.Bus,
		Deduper:   deduper,
		Locker:    locker,
		Clock:     a.Clock,
		Metrics:   billing.NewMetrics(a.Registry),
		Logger:    a.Logger,
	}, a.Config.Scheduler.Billing)
}

// APIServer builds the HTTP API over the wired components
func (a *App) APIServer() *api.Server {
	deps := api.Deps{
		Subscriptions: a.Service,
		Tiers:         a.Tiers,
		TierWriter:    a.Store,
		Coupons:       a.Store,
		Runner:        a.Runner,
		Health:        a.Health,
		Metrics:       a.Metrics,
		Clock:         a.Clock,
		Logger:        a.Logger,
	}
	if a.Metrics != nil {
		deps.Gatherer = a.Registry
	}
	if limiter := a.rateLimiter(); limiter != nil {
		deps.Middleware = append(deps.Middleware, middleware.RateLimit(limiter, a.Logger))
	}
	return api.NewServer(deps)
}

// rateLimiter shares limits through Redis when it is configured
func (a *App) rateLimiter() middleware.Limiter {
	s := a.Config.Server
	if s.RateLimit <= 0 {
		return nil
	}
	limit := middleware.Config{RequestsPerWindow: s.RateLimit, Window: time.Minute, Burst: s.RateBurst}
	if a.Redis != nil {
		return middleware.NewDistributedRateLimiter(a.Redis, limit, "recur:ratelimit")
	}
	return middleware.NewRateLimiter(limit)
}

// HealthHandler serves probes and metrics on the separate health port
func (a *App) HealthHandler() http.Handler {
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, a.Health)
	if a.Metrics != nil {
		observability.RegisterMetricsEndpoint(router, a.Registry)
	}
	return router
}

// Scheduler builds the cron scheduler for the billing passes
func (a *App) Scheduler() (*billing.Scheduler, error) {
	return billing.NewScheduler(a.Runner, a.Config.Scheduler.Schedule, billing.Params{}, a.Logger)
}

// RecordPoolStats publishes pool gauges every interval until ctx is done.
// It returns immediately when metrics are off or the backend has no pool.
func (a *App) RecordPoolStats(ctx context.Context, interval time.Duration) {
	stats, ok := a.Store.(poolStatser)
	if !ok || a.Metrics == nil {
		return
	}

	ticker := a.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.Metrics.RecordPoolStats(stats.Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
