package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectCounter(t *testing.T, p *Provider, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, p.Collect(context.Background(), &rm))
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestCountersAccumulate(t *testing.T) {
	p, err := New("voidsync-test", nil)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx := context.Background()
	p.RecordSubmission(ctx, "a1")
	p.RecordSubmission(ctx, "a2")
	p.RecordApproval(ctx, "a1")
	p.RecordRejection(ctx, "a2", "pipeline")
	p.RecordDrift(ctx, "src/app.js")
	p.RecordPushEvent(ctx, "ChangesUpdated")

	assert.Equal(t, int64(2), collectCounter(t, p, "voidsync.changes.submitted"))
	assert.Equal(t, int64(1), collectCounter(t, p, "voidsync.changes.approved"))
	assert.Equal(t, int64(1), collectCounter(t, p, "voidsync.changes.rejected"))
	assert.Equal(t, int64(1), collectCounter(t, p, "voidsync.changes.drifted"))
	assert.Equal(t, int64(1), collectCounter(t, p, "voidsync.push.events"))
}

func TestShutdownIsIdempotentEnough(t *testing.T) {
	p, err := New("", nil)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}
