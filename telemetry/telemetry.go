// Package telemetry wires OpenTelemetry metrics for a dispatch-engine
// process: counters for published/dispatched/dropped events, gauges for
// queue depth and pool availability, and a histogram for dispatch
// latency. Install follows lib/telemetry/otel.go's shape (an OTLP HTTP
// exporter when an endpoint is configured, a no-op provider otherwise)
// narrowed to metrics only, per internal/telemetry's counter surface.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/flowloop/cortege/config"
)

// Metrics groups the instruments a dispatch engine process reports
// through. All fields are safe for concurrent use.
type Metrics struct {
	meter apimetric.Meter

	published  apimetric.Int64Counter
	dispatched apimetric.Int64Counter
	dropped    apimetric.Int64Counter
	latency    apimetric.Float64Histogram
}

// Install configures an OpenTelemetry meter provider from cfg and
// constructs the Metrics instrument set. An empty OTLPEndpoint selects a
// no-op provider, so uninstrumented deployments pay no exporter cost.
func Install(ctx context.Context, cfg config.TelemetryConfig) (*Metrics, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "cortege"
	}

	if endpoint == "" {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		m, err := newMetrics(mp.Meter("cortege"))
		if err != nil {
			return nil, nil, err
		}
		return m, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter("cortege"))
	if err != nil {
		return nil, nil, err
	}
	return m, mp.Shutdown, nil
}

func newMetrics(meter apimetric.Meter) (*Metrics, error) {
	published, err := meter.Int64Counter("cortege_events_published_total",
		apimetric.WithDescription("Items published by a source through its SourceQueuePublisher"),
		apimetric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("published counter: %w", err)
	}
	dispatched, err := meter.Int64Counter("cortege_events_dispatched_total",
		apimetric.WithDescription("Items dispatched to a handler's OnEvent"),
		apimetric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("dispatched counter: %w", err)
	}
	dropped, err := meter.Int64Counter("cortege_events_dropped_total",
		apimetric.WithDescription("Items dropped by slow-consumer backpressure or invocation failure"),
		apimetric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("dropped counter: %w", err)
	}
	latency, err := meter.Float64Histogram("cortege_dispatch_latency_seconds",
		apimetric.WithDescription("Time from publish to handler invocation"),
		apimetric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("latency histogram: %w", err)
	}

	return &Metrics{
		meter:      meter,
		published:  published,
		dispatched: dispatched,
		dropped:    dropped,
		latency:    latency,
	}, nil
}

// RecordPublished increments the published counter for source.
func (m *Metrics) RecordPublished(ctx context.Context, source string) {
	m.published.Add(ctx, 1, apimetric.WithAttributes(attrSource(source)))
}

// RecordDispatched increments the dispatched counter for handler.
func (m *Metrics) RecordDispatched(ctx context.Context, handler string) {
	m.dispatched.Add(ctx, 1, apimetric.WithAttributes(attrHandler(handler)))
}

// RecordDropped increments the dropped counter for source, tagged with
// the drop reason (e.g. "slow_consumer", "invocation_failure").
func (m *Metrics) RecordDropped(ctx context.Context, source, reason string) {
	m.dropped.Add(ctx, 1, apimetric.WithAttributes(attrSource(source), attrReason(reason)))
}

// ObserveDispatchLatency records the elapsed time between an item's
// publish and its dispatch to handler.
func (m *Metrics) ObserveDispatchLatency(ctx context.Context, handler string, d time.Duration) {
	m.latency.Record(ctx, d.Seconds(), apimetric.WithAttributes(attrHandler(handler)))
}

// RegisterQueueDepthGauge registers an observable gauge reporting the
// current depth of the named queue, sampled via fn on each collection.
func (m *Metrics) RegisterQueueDepthGauge(queueName string, fn func() int64) error {
	attrs := apimetric.WithAttributes(attrQueue(queueName))
	_, err := m.meter.Int64ObservableGauge("cortege_queue_depth",
		apimetric.WithDescription("Current item count in a named target queue"),
		apimetric.WithUnit("{item}"),
		apimetric.WithInt64Callback(func(_ context.Context, observer apimetric.Int64Observer) error {
			observer.Observe(fn(), attrs)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register queue depth gauge for %q: %w", queueName, err)
	}
	return nil
}

// RegisterPoolAvailabilityGauge registers an observable gauge reporting
// the number of available slots in the named object pool.
func (m *Metrics) RegisterPoolAvailabilityGauge(poolName string, fn func() int64) error {
	attrs := apimetric.WithAttributes(attrPool(poolName))
	_, err := m.meter.Int64ObservableGauge("cortege_pool_available",
		apimetric.WithDescription("Available slots in a named object pool"),
		apimetric.WithUnit("{slot}"),
		apimetric.WithInt64Callback(func(_ context.Context, observer apimetric.Int64Observer) error {
			observer.Observe(fn(), attrs)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register pool availability gauge for %q: %w", poolName, err)
	}
	return nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}
