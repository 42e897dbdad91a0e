package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestOTelMetrics_Observer(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := newOTelMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m.CacheLookup(true)
	m.CacheLookup(false)
	m.ResolveDone(nil, 2*time.Millisecond)
	m.Invalidated("role", nil)
	m.Decision("require_role", false)
	m.AuditFailed("permission_granted")

	data := collect(t, reader)
	assert.EqualValues(t, 2, sumOf(t, data["warden.permission_cache.lookups"]))
	assert.EqualValues(t, 1, sumOf(t, data["warden.permission.resolves"]))
	assert.EqualValues(t, 1, sumOf(t, data["warden.permission_cache.invalidations"]))
	assert.EqualValues(t, 1, sumOf(t, data["warden.authorization.decisions"]))
	assert.EqualValues(t, 1, sumOf(t, data["warden.audit.failures"]))
	assert.Contains(t, data, "warden.permission.resolve.duration")
}

type recordingObserver struct {
	calls []string
}

func (r *recordingObserver) CacheLookup(bool)                 { r.calls = append(r.calls, "lookup") }
func (r *recordingObserver) ResolveDone(error, time.Duration) { r.calls = append(r.calls, "resolve") }
func (r *recordingObserver) Invalidated(string, error)        { r.calls = append(r.calls, "invalidate") }
func (r *recordingObserver) Decision(string, bool)            { r.calls = append(r.calls, "decision") }
func (r *recordingObserver) AuditFailed(string)               { r.calls = append(r.calls, "audit") }

func TestMultiObserver(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	var obs rbac.Observer = NewMultiObserver(a, nil, b)

	obs.CacheLookup(true)
	obs.ResolveDone(nil, 0)
	obs.Invalidated("all", nil)
	obs.Decision("require_permission", true)
	obs.AuditFailed("role_deleted")

	want := []string{"lookup", "resolve", "invalidate", "decision", "audit"}
	assert.Equal(t, want, a.calls)
	assert.Equal(t, want, b.calls)
}
