package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"licensecore/internal/license"
)

// EventSource reads the validation stream.
type EventSource interface {
	ListEvents(ctx context.Context, id uuid.UUID, since time.Time) ([]license.ValidationEvent, error)
}

// Licenses loads records and applies the suspension. *license.Lifecycle
// satisfies it.
type Licenses interface {
	Get(ctx context.Context, id uuid.UUID) (*license.License, error)
	Suspend(ctx context.Context, id uuid.UUID, reason, actor string) (*license.Transition, error)
}

// AlertSink receives assessments at or above the high level.
type AlertSink interface {
	PublishRisk(a Assessment)
}

// Scorer computes assessments. Concurrent requests for the same license
// share one computation.
type Scorer struct {
	cfg      Config
	events   EventSource
	licenses Licenses
	locator  Locator
	alerts   AlertSink
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithLocator replaces the default prefix locator.
func WithLocator(l Locator) Option { return func(s *Scorer) { s.locator = l } }

// WithAlertSink publishes high-risk assessments.
func WithAlertSink(a AlertSink) Option { return func(s *Scorer) { s.alerts = a } }

// WithMetrics attaches risk instruments.
func WithMetrics(m *Metrics) Option { return func(s *Scorer) { s.metrics = m } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(s *Scorer) { s.now = now } }

// NewScorer validates cfg and builds a scorer.
func NewScorer(cfg Config, events EventSource, licenses Licenses, logger *slog.Logger, opts ...Option) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scorer{
		cfg:      cfg,
		events:   events,
		licenses: licenses,
		locator:  DefaultLocator(),
		logger:   logger.With(slog.String("component", "risk_scorer")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the active tuning.
func (s *Scorer) Config() Config { return s.cfg }

// Assess scores the license's recent activity and, when configured, suspends
// it. Re-assessing a license that is already suspended never transitions it
// again. A caller whose ctx ends stops waiting, but the shared computation
// runs to completion for the other callers.
func (s *Scorer) Assess(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(id.String(), func() (any, error) {
		return s.assess(shared, id)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	a := *res.Val.(*Assessment)
	a.Factors = append([]Factor(nil), a.Factors...)
	return &a, nil
}

func (s *Scorer) assess(ctx context.Context, id uuid.UUID) (a *Assessment, err error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "risk.Assess")
	span.SetAttributes(attribute.String("license.id", id.String()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Float64("risk.score", a.OverallScore),
				attribute.String("risk.level", string(a.RiskLevel)),
			)
		}
		span.End()
	}()

	l, err := s.licenses.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	start := now.Add(-s.cfg.Window)
	events, err := s.events.ListEvents(ctx, id, now.Add(-s.cfg.History))
	if err != nil {
		return nil, license.Unavailable("list events", err)
	}
	recent, history := split(events, start, now)

	factors := []Factor{
		velocityFactor(recent, s.cfg.velocityThreshold(l.Payload.PlanCode), s.cfg.Window, s.cfg.Weights.Velocity),
		geographicFactor(recent, s.locator, s.cfg),
		cloningFactor(recent, s.cfg.Weights.Cloning),
		concurrentFactor(recent, l.Payload.MaxUsers, s.cfg.SessionLength, s.cfg.Weights.Concurrent),
		timePatternFactor(recent, history, s.cfg),
	}
	var total float64
	for _, f := range factors {
		total += f.Score * f.Weight
	}
	a = &Assessment{
		LicenseID:      id,
		OverallScore:   clamp(total),
		Factors:        factors,
		EventsInWindow: len(recent),
		ComputedAt:     now,
	}
	a.RiskLevel = s.cfg.Thresholds.Level(a.OverallScore)
	s.metrics.recordScore(ctx, a)

	if s.shouldSuspend(a, l) {
		if err := s.suspend(ctx, a); err != nil {
			return nil, err
		}
	}
	if s.alerts != nil && (a.RiskLevel == LevelHigh || a.RiskLevel == LevelCritical) {
		s.alerts.PublishRisk(*a)
	}
	return a, nil
}

func (s *Scorer) shouldSuspend(a *Assessment, l *license.License) bool {
	if !s.cfg.AutoSuspend {
		return false
	}
	if a.RiskLevel != LevelCritical && a.OverallScore < s.cfg.BlockThreshold {
		return false
	}
	return l.Status == license.StatusActive || l.Status == license.StatusGrace
}

func (s *Scorer) suspend(ctx context.Context, a *Assessment) error {
	reason := fmt.Sprintf("risk score %.0f (%s)", a.OverallScore, a.RiskLevel)
	t, err := s.licenses.Suspend(ctx, a.LicenseID, reason, license.ActorRisk)
	switch {
	case errors.Is(err, license.ErrInvalidTransition):
		// Status moved underneath us (revoked or expired); nothing to do.
		return nil
	case err != nil:
		return err
	case !t.Changed():
		return nil
	}
	action := ActionSuspended
	a.AutoActionTaken = &action
	s.metrics.recordSuspension(ctx, a)
	s.logger.WarnContext(ctx, "license auto-suspended",
		slog.String("license_id", a.LicenseID.String()),
		slog.Float64("score", a.OverallScore),
		slog.String("level", string(a.RiskLevel)),
	)
	return nil
}

// split orders events by time and separates the scoring window from the
// older history.
func split(events []license.ValidationEvent, start, now time.Time) (recent, history []license.ValidationEvent) {
	sorted := append([]license.ValidationEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	for _, e := range sorted {
		switch {
		case e.Timestamp.After(now):
		case e.Timestamp.Before(start):
			history = append(history, e)
		default:
			recent = append(recent, e)
		}
	}
	return recent, history
}
