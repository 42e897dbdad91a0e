package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(context.Background(), cfg, log); err != nil {
		log.WithError(err).Fatal("warden exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, log)
	if err != nil {
		return err
	}

	// Until the server starts, a failed startup releases whatever was
	// opened. Afterwards the shutdown manager owns these.
	var (
		db          *sql.DB
		redisClient *redis.Client
		serving     bool
	)
	defer func() {
		if serving {
			return
		}
		if redisClient != nil {
			redisClient.Close()
		}
		if db != nil {
			db.Close()
		}
		observability.ShutdownOTel(context.WithoutCancel(ctx), providers, log)
	}()

	db, err = openDatabase(cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	if err := rbac.RunMigrations(ctx, db, log); err != nil {
		return err
	}

	store := rbac.NewStore(db,
		rbac.WithQueryTimeout(cfg.Authorization.StoreTimeout),
		rbac.WithTxTimeout(cfg.Authorization.TxTimeout),
	)
	if cfg.Database.SeedCatalog {
		if err := store.Seed(ctx, rbac.DefaultCatalog()); err != nil {
			return err
		}
		log.Info("Default catalog seeded")
	}

	var observers []rbac.Observer
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
		observers = append(observers, metrics)
		go pollDBStats(ctx, log, db, metrics)
	}
	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return err
		}
		observers = append(observers, otelMetrics)
	}
	observer := observability.NewMultiObserver(observers...)

	var cache rbac.PermissionCache
	cache, redisClient, err = newCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}

	resolver := rbac.NewResolver(store, cache,
		rbac.WithSuperAdminLevel(cfg.Authorization.SuperAdminLevel),
		rbac.WithLogger(log),
		rbac.WithObserver(observer),
	)

	dbRecorder, err := audit.NewDBRecorder(db)
	if err != nil {
		return err
	}
	manager := rbac.NewManager(store, resolver,
		audit.NewMultiRecorder(dbRecorder, audit.NewLogRecorder(log)),
		rbac.WithGuard(rbac.NewGuard(resolver)),
		rbac.WithManagerLogger(log),
		rbac.WithManagerObserver(observer),
	)

	guardOpts := []rbac.MiddlewareOption{
		rbac.WithMiddlewareLogger(log),
		rbac.WithMiddlewareObserver(observer),
	}
	if cfg.Authorization.PolicyFile != "" {
		policy, err := rbac.LoadPolicyTable(cfg.Authorization.PolicyFile, log)
		if err != nil {
			return err
		}
		if err := policy.Watch(ctx); err != nil {
			log.WithError(err).Warn("Policy hot reload disabled")
		}
		guardOpts = append(guardOpts, rbac.WithPolicy(policy))
	}
	guards := rbac.NewPermissionMiddleware(resolver, guardOpts...)

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if err != nil {
		return err
	}

	handler := newRouter(routerDeps{
		log:       log,
		handlers:  rbac.NewHandlers(manager, resolver, guards, dbRecorder),
		verifier:  tokens,
		users:     auth.NewSQLUserStore(db, cfg.Authorization.StoreTimeout),
		health:    observability.NewHealthChecker(db, redisClient, version),
		metrics:   metrics,
		gatherer:  prometheus.DefaultGatherer,
		rateLimit: cfg.Server.AdminRateLimit,
		tracing:   providers != nil,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdown := observability.NewShutdownManager(log, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("database", func(context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, log)
	})

	serving = true
	serveErr := make(chan error, 1)
	go func() {
		defer observability.RecoverPanic(log, "http server")
		log.WithFields(logrus.Fields{
			"addr":    server.Addr,
			"version": version,
			"cache":   cfg.Cache.Backend,
		}).Info("warden listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	go func() {
		if err, ok := <-serveErr; ok && err != nil {
			log.WithError(err).Error("HTTP server failed")
			stopWaiting()
		}
	}()

	return shutdown.WaitForShutdown(waitCtx)
}

// newCache builds the permission cache for the configured backend. The
// redis client is returned so readiness can probe it.
func newCache(ctx context.Context, cfg config.CacheConfig) (rbac.PermissionCache, *redis.Client, error) {
	if cfg.Backend != config.CacheRedis {
		return rbac.NewLRUCache(cfg.Size, cfg.TTL), nil, nil
	}
	client, err := rbac.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return rbac.NewRedisCache(client, "", cfg.TTL), client, nil
}

func pollDBStats(ctx context.Context, log *logrus.Logger, db *sql.DB, metrics *observability.Metrics) {
	defer observability.RecoverPanic(log, "db stats poller")

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		metrics.ObserveDBStats(db.Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
