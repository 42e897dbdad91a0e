package main

import (
	"database/sql"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

// maxRequestBody bounds admin payloads
const maxRequestBody = 1 << 20

// routerDeps is everything the HTTP surface needs
type routerDeps struct {
	log       *logrus.Logger
	handlers  *rbac.Handlers
	verifier  auth.Verifier
	users     auth.UserStore
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	rateLimit int
	tracing   bool
}

// newRouter assembles the public handler. Probes and /metrics are served
// without authentication; everything else passes authenticate first.
func newRouter(d routerDeps) http.Handler {
	root := mux.NewRouter()
	root.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(d.log),
		httputil.RecoveryMiddleware(d.log),
	)
	if d.metrics != nil {
		root.Use(observability.HTTPMetricsMiddleware(d.metrics))
		observability.RegisterMetricsEndpoint(root, d.gatherer)
	}
	if d.health != nil {
		observability.RegisterHealthRoutes(root, d.health)
	}

	protected := root.NewRoute().Subrouter()
	protected.Use(
		httputil.MaxBytesMiddleware(maxRequestBody),
		middleware.NewAuthMiddleware(d.verifier, d.users, d.log).Handler,
		middleware.RateLimit(d.rateLimit),
	)
	d.handlers.RegisterRoutes(protected)

	var handler http.Handler = securityHeaders().Handler(root)
	if d.tracing {
		handler = otelhttp.NewHandler(handler, "warden",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
	return handler
}

func securityHeaders() *secure.Secure {
	return secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})
}

// openDatabase opens the PostgreSQL pool without connecting
var openDatabase = func(url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	return db, nil
}
