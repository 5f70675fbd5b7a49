package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowloop/cortege/config"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://example.com:4318")
	require.NoError(t, err)
	require.Equal(t, "example.com:4318", host)
	require.False(t, insecure)

	host, insecure, err = parseEndpoint("http://localhost:4318")
	require.NoError(t, err)
	require.Equal(t, "localhost:4318", host)
	require.True(t, insecure)
}

func TestInstallNoEndpointUsesNoop(t *testing.T) {
	m, shutdown, err := Install(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestInstallInvalidEndpoint(t *testing.T) {
	_, _, err := Install(context.Background(), config.TelemetryConfig{OTLPEndpoint: "://bad"})
	require.Error(t, err)
}

func TestInstallWithEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, shutdown, err := Install(context.Background(), config.TelemetryConfig{OTLPEndpoint: srv.URL, ServiceName: "engine"})
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NoError(t, shutdown(context.Background()))
}

func TestMetricsRecordersDoNotPanic(t *testing.T) {
	m, shutdown, err := Install(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx := context.Background()
	m.RecordPublished(ctx, "tickfeed")
	m.RecordDispatched(ctx, "auditor")
	m.RecordDropped(ctx, "tickfeed", "slow_consumer")
	m.ObserveDispatchLatency(ctx, "auditor", 0)

	require.NoError(t, m.RegisterQueueDepthGauge("consumer", func() int64 { return 3 }))
	require.NoError(t, m.RegisterPoolAvailabilityGauge("events", func() int64 { return 7 }))
}
