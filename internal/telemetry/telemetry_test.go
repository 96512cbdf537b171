package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is %T", name, m.Data)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestCountersReachProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	ctx := context.Background()
	RecordTransition(ctx, "pending", "in_progress", "worker")
	RecordTransition(ctx, "in_progress", "resolved", "worker")
	RecordDropped(ctx, "issues", "slow consumer")
	RecordSubmission(ctx, "roads")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Equal(t, int64(2), sumOf(t, rm, "civic.issue.transitions"))
	require.Equal(t, int64(1), sumOf(t, rm, "civic.feed.dropped"))
	require.Equal(t, int64(1), sumOf(t, rm, "civic.issue.submissions"))
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("CIVIC_OTEL_STDOUT", "")
	require.NoError(t, Init(context.Background(), 0))
	RecordResync(context.Background(), "all")
	Shutdown(context.Background())
}
