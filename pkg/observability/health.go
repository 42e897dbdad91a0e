package observability

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/httputil"
)

// Health states, worst last
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const readinessTimeout = 3 * time.Second

// Report is the body of both probe endpoints
type Report struct {
	Status       string                 `json:"status"`
	Version      string                 `json:"version,omitempty"`
	CheckedAt    time.Time              `json:"checked_at"`
	Dependencies map[string]ProbeResult `json:"dependencies,omitempty"`
}

// ProbeResult is the outcome of one dependency probe
type ProbeResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// dependency is a named readiness probe. A failing critical dependency makes
// the service unhealthy; any other failure only degrades it.
type dependency struct {
	name     string
	critical bool
	probe    func(context.Context) (status string, err error)
}

// HealthChecker serves liveness and readiness
type HealthChecker struct {
	version string
	deps    []dependency
}

// NewHealthChecker probes PostgreSQL as critical and, when rdb is non-nil,
// Redis as non-critical: the resolver reads the store when the cache fails.
func NewHealthChecker(db *sql.DB, rdb *redis.Client, version string) *HealthChecker {
	h := &HealthChecker{version: version}
	if db != nil {
		h.deps = append(h.deps, dependency{name: "postgres", critical: true, probe: postgresProbe(db)})
	}
	if rdb != nil {
		h.deps = append(h.deps, dependency{name: "redis", probe: func(ctx context.Context) (string, error) {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return StatusUnhealthy, err
			}
			return StatusHealthy, nil
		}})
	}
	return h
}

func postgresProbe(db *sql.DB) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return StatusUnhealthy, err
		}
		if stats := db.Stats(); stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return StatusDegraded, nil
		}
		return StatusHealthy, nil
	}
}

// Check runs every probe in registration order
func (h *HealthChecker) Check(ctx context.Context) Report {
	report := Report{
		Status:       StatusHealthy,
		Version:      h.version,
		CheckedAt:    time.Now().UTC(),
		Dependencies: make(map[string]ProbeResult, len(h.deps)),
	}

	for _, dep := range h.deps {
		start := time.Now()
		status, err := dep.probe(ctx)
		result := ProbeResult{Status: status, LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			result.Error = err.Error()
		}
		report.Dependencies[dep.name] = result

		if status == StatusHealthy {
			continue
		}
		if dep.critical && status == StatusUnhealthy {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

// Liveness answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, Report{
		Status:    StatusHealthy,
		Version:   h.version,
		CheckedAt: time.Now().UTC(),
	})
}

// Readiness answers 503 only when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	report := h.Check(ctx)
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, report)
}

// RegisterHealthRoutes registers /healthz and /readyz
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/healthz", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", checker.Readiness).Methods(http.MethodGet)
}
