package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "licensecore/license"
	MeterName  = "licensecore/license"
)

// Metrics holds the licensing instruments. A nil *Metrics records nothing.
type Metrics struct {
	Validations        metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	Activations        metric.Int64Counter
	Deactivations      metric.Int64Counter
	Transitions        metric.Int64Counter
	Issued             metric.Int64Counter
	Faults             metric.Int64Counter
}

// NewMetrics creates the licensing instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Validations, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("License validations by mode, decision and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	m.Activations, err = meter.Int64Counter(
		"license_activations_total",
		metric.WithDescription("Device activations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}

	m.Deactivations, err = meter.Int64Counter(
		"license_deactivations_total",
		metric.WithDescription("Device bindings released"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deactivations counter: %w", err)
	}

	m.Transitions, err = meter.Int64Counter(
		"license_status_transitions_total",
		metric.WithDescription("Lifecycle transitions by source and target status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.Issued, err = meter.Int64Counter(
		"license_keys_issued_total",
		metric.WithDescription("License keys signed, including re-issues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issued counter: %w", err)
	}

	m.Faults, err = meter.Int64Counter(
		"license_faults_total",
		metric.WithDescription("Operations aborted by infrastructure faults"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create faults counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordDecision(ctx context.Context, mode Mode, d Decision, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("decision", d.Outcome()),
		attribute.String("reason", string(d.Reason)),
	)
	m.Validations.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("mode", string(mode))))
}

func (m *Metrics) recordActivation(ctx context.Context, bound bool, reason Reason) {
	if m == nil {
		return
	}
	m.Activations.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("bound", bound),
		attribute.String("reason", string(reason)),
	))
}

func (m *Metrics) recordDeactivation(ctx context.Context, n int, reason string) {
	if m == nil || n == 0 {
		return
	}
	m.Deactivations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) recordTransition(ctx context.Context, from, to Status) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *Metrics) recordIssued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Issued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) recordFault(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.Faults.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

// startSpan opens a span on the package tracer.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan closes span, marking it failed when err is a fault.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
