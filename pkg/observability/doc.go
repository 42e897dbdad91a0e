// Package observability provides structured logging, Prometheus and
// OpenTelemetry metrics, tracing setup, health probes and graceful shutdown.
//
// # Structured Logging
//
//	log := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	log.WithField("user_id", 42).Info("role assigned")
//
// RequestEntry attaches the request ID and active trace to an entry.
//
// # Metrics
//
// Metrics and OTelMetrics both implement rbac.Observer, so the resolver,
// manager and middleware report cache hits, resolves, invalidations,
// decisions and audit failures without knowing about Prometheus:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	resolver := rbac.NewResolver(store, cache, rbac.WithObserver(metrics))
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	observability.RegisterMetricsEndpoint(router, prometheus.DefaultGatherer)
//
// Use NewMultiObserver to feed both backends.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// /healthz is liveness. /readyz fails with 503 when PostgreSQL is down and
// reports "degraded" when only Redis is down.
//
// # Shutdown
//
//	sm := observability.NewShutdownManager(log, server, 30*time.Second)
//	sm.RegisterShutdownFunc("database", func(context.Context) error { return db.Close() })
//	err := sm.WaitForShutdown(ctx)
package observability
