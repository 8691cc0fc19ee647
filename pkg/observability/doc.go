// Package observability provides logrus logging, Prometheus and OpenTelemetry
// metrics, tracing setup, health checks and graceful shutdown.
//
// # Logging
//
//	logger := observability.NewLogger(observability.ParseLevel("debug"), observability.FormatJSON, nil)
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Info("renewal pass started")
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	observability.RegisterMetricsEndpoint(router, registry)
//
// Lifecycle events are counted through OpenTelemetry by attaching
// OTelMetrics to the event bus.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("database", true, backend.HealthCheck)
//	checker.AddCheck("redis", false, observability.RedisCheck(client))
//	observability.RegisterHealthRoutes(router, checker)
//
// # Shutdown
//
//	shutdown := observability.NewShutdownManager(logger, 30*time.Second)
//	shutdown.RegisterServer("http", server)
//	shutdown.Register("storage", func(context.Context) error { return backend.Close() })
//	defer shutdown.Shutdown(context.Background())
package observability
