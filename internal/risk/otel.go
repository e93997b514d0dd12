package risk

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "licensecore/risk"
	MeterName  = "licensecore/risk"
)

// Metrics holds the risk instruments. A nil *Metrics records nothing.
type Metrics struct {
	Scores          metric.Float64Histogram
	Assessments     metric.Int64Counter
	AutoSuspensions metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Scores, err = meter.Float64Histogram(
		"license_risk_score",
		metric.WithDescription("Overall risk score per assessment"),
		metric.WithExplicitBucketBoundaries(10, 25, 50, 70, 85, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk score histogram: %w", err)
	}

	m.Assessments, err = meter.Int64Counter(
		"license_risk_assessments_total",
		metric.WithDescription("Risk assessments by level"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create assessments counter: %w", err)
	}

	m.AutoSuspensions, err = meter.Int64Counter(
		"license_auto_suspensions_total",
		metric.WithDescription("Licenses suspended by the risk scorer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auto suspension counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) recordScore(ctx context.Context, a *Assessment) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("level", string(a.RiskLevel)))
	m.Scores.Record(ctx, a.OverallScore, attrs)
	m.Assessments.Add(ctx, 1, attrs)
}

func (m *Metrics) recordSuspension(ctx context.Context, a *Assessment) {
	if m == nil {
		return
	}
	m.AutoSuspensions.Add(ctx, 1, metric.WithAttributes(attribute.String("level", string(a.RiskLevel))))
}
