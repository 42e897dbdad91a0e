package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/platinummonkey/warden/pkg/rbac"
)

var _ rbac.Observer = (*OTelMetrics)(nil)

// OTelMetrics mirrors the authorization metrics as OpenTelemetry instruments
// so they reach the OTLP collector alongside traces
type OTelMetrics struct {
	cacheLookups    metric.Int64Counter
	resolves        metric.Int64Counter
	resolveDuration metric.Float64Histogram
	invalidations   metric.Int64Counter
	decisions       metric.Int64Counter
	auditFailures   metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return newOTelMetrics(otel.Meter("github.com/platinummonkey/warden"))
}

func newOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.cacheLookups, err = meter.Int64Counter(
		"warden.permission_cache.lookups",
		metric.WithDescription("Permission cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	m.resolves, err = meter.Int64Counter(
		"warden.permission.resolves",
		metric.WithDescription("Effective permission set computations"),
		metric.WithUnit("{resolve}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolves counter: %w", err)
	}

	m.resolveDuration, err = meter.Float64Histogram(
		"warden.permission.resolve.duration",
		metric.WithDescription("Time to compute an effective permission set"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolve duration histogram: %w", err)
	}

	m.invalidations, err = meter.Int64Counter(
		"warden.permission_cache.invalidations",
		metric.WithDescription("Permission cache invalidations"),
		metric.WithUnit("{invalidation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invalidations counter: %w", err)
	}

	m.decisions, err = meter.Int64Counter(
		"warden.authorization.decisions",
		metric.WithDescription("Authorization stage decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.auditFailures, err = meter.Int64Counter(
		"warden.audit.failures",
		metric.WithDescription("Audit entries that could not be recorded"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit failures counter: %w", err)
	}

	return m, nil
}

// Observer callbacks carry no request context; measurements are recorded
// against the background context.

func (m *OTelMetrics) CacheLookup(hit bool) {
	m.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

func (m *OTelMetrics) ResolveDone(err error, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(err)))
	m.resolves.Add(context.Background(), 1, attrs)
	m.resolveDuration.Record(context.Background(), d.Seconds(), attrs)
}

func (m *OTelMetrics) Invalidated(scope string, err error) {
	m.invalidations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome(err)),
	))
}

func (m *OTelMetrics) Decision(stage string, allowed bool) {
	m.decisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("allowed", allowed),
	))
}

func (m *OTelMetrics) AuditFailed(action string) {
	m.auditFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("action", action)))
}

// MultiObserver fans every callback out to each observer in order
type MultiObserver []rbac.Observer

// NewMultiObserver drops nil entries
func NewMultiObserver(observers ...rbac.Observer) MultiObserver {
	out := make(MultiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m MultiObserver) CacheLookup(hit bool) {
	for _, o := range m {
		o.CacheLookup(hit)
	}
}

func (m MultiObserver) ResolveDone(err error, d time.Duration) {
	for _, o := range m {
		o.ResolveDone(err, d)
	}
}

func (m MultiObserver) Invalidated(scope string, err error) {
	for _, o := range m {
		o.Invalidated(scope, err)
	}
}

func (m MultiObserver) Decision(stage string, allowed bool) {
	for _, o := range m {
		o.Decision(stage, allowed)
	}
}

func (m MultiObserver) AuditFailed(action string) {
	for _, o := range m {
		o.AuditFailed(action)
	}
}
