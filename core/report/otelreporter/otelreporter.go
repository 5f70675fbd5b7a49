// Package otelreporter implements a core/report.Reporter that increments
// OpenTelemetry counters per reported severity, exercising the OTEL
// metrics stack lib/telemetry/otel.go wires, outside of HTTP telemetry.
package otelreporter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowloop/cortege/core/report"
)

var _ report.Reporter = (*Reporter)(nil)

// Reporter increments a severity-tagged counter for every reported
// event. It never blocks and never fails a Report call: a metrics
// recording failure has no further channel to surface through.
type Reporter struct {
	counter metric.Int64Counter
}

// New constructs a Reporter recording through meter.
func New(meter metric.Meter) (*Reporter, error) {
	counter, err := meter.Int64Counter("cortege_reported_errors_total",
		metric.WithDescription("Events reported through the central error-reporting hub, by severity and kind"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("otelreporter: counter: %w", err)
	}
	return &Reporter{counter: counter}, nil
}

// Report implements report.Reporter.
func (r *Reporter) Report(evt *report.Event) {
	r.counter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("severity", evt.Severity.String()),
		attribute.String("kind", string(evt.Kind)),
		attribute.String("source_id", evt.SourceID),
	))
}
