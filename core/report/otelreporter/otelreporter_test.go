package otelreporter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/flowloop/cortege/core/report"
	"github.com/flowloop/cortege/core/report/otelreporter"
)

func TestReporterIncrementsCounterPerSeverity(t *testing.T) {
	rd := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(rd))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	r, err := otelreporter.New(mp.Meter("test"))
	require.NoError(t, err)

	hub := report.NewHub(8)
	hub.AddReporter(r)
	hub.Err("tickfeed", report.KindMapperFailure, "decode failed", nil)
	hub.Warn("restfeed", report.KindQueuePublishFailure, "slow consumer", nil)

	var data metricdata.ResourceMetrics
	require.NoError(t, rd.Collect(context.Background(), &data))
	require.Len(t, data.ScopeMetrics, 1)
	require.Len(t, data.ScopeMetrics[0].Metrics, 1)

	sum, ok := data.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)
}
