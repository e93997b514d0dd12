package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"licensecore/internal/cache"
	"licensecore/internal/config"
	"licensecore/internal/license"
	"licensecore/internal/risk"
)

// ErrUnknownPlan is returned when issuance names a plan not in the table.
var ErrUnknownPlan = fmt.Errorf("%w: unknown plan", license.ErrInvalidInput)

// Assessor computes a license's risk assessment.
type Assessor interface {
	Assess(ctx context.Context, id uuid.UUID) (*risk.Assessment, error)
}

// Advisor attaches free-text advice to an assessment.
type Advisor interface {
	Enabled() bool
	Advise(ctx context.Context, a risk.Assessment) (string, error)
}

// Settings are the licensing knobs the service applies on top of the core.
type Settings struct {
	Plans             map[string]config.PlanConfig
	DefaultMaxDevices uint32
	DefaultGrace      time.Duration
	AnomalyDetection  bool
	RiskCacheTTL      time.Duration
}

// SettingsFromConfig extracts service settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Plans:             cfg.Licensing.Plans,
		DefaultMaxDevices: cfg.Licensing.MaxDevicesPerLicense,
		DefaultGrace:      time.Duration(cfg.Licensing.DefaultGraceDays) * 24 * time.Hour,
		AnomalyDetection:  cfg.Licensing.AnomalyDetectionEnabled,
		RiskCacheTTL:      cfg.Licensing.RiskCacheTTL,
	}
}

// Deps are the collaborators of LicenseService. Issuer, Advisor and Cache
// may be nil.
type Deps struct {
	Engine    *license.Engine
	Lifecycle *license.Lifecycle
	Ledger    *license.Ledger
	Events    license.EventStore
	Issuer    *license.Issuer
	Scorer    Assessor
	Advisor   Advisor
	Cache     cache.Cache
}

// LicenseService orchestrates the licensing core for the HTTP layer: plans
// and issuance, validation followed by risk evaluation, lifecycle
// operations, and cached risk reads.
type LicenseService struct {
	settings Settings
	deps     Deps
	logger   *slog.Logger
	now      func() time.Time
}

// NewLicenseService creates the service.
func NewLicenseService(settings Settings, deps Deps, logger *slog.Logger) (*LicenseService, error) {
	if deps.Engine == nil || deps.Lifecycle == nil || deps.Ledger == nil || deps.Events == nil {
		return nil, errors.New("engine, lifecycle, ledger and event store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Plans == nil {
		settings.Plans = map[string]config.PlanConfig{}
	}
	return &LicenseService{
		settings: settings,
		deps:     deps,
		logger:   logger.With(slog.String("service", "license")),
		now:      time.Now,
	}, nil
}

// SetClock replaces the time source.
func (s *LicenseService) SetClock(now func() time.Time) { s.now = now }

// CanIssue reports whether a signing key is loaded.
func (s *LicenseService) CanIssue() bool { return s.deps.Issuer != nil }

// Plans returns the configured plan table.
func (s *LicenseService) Plans() map[string]config.PlanConfig { return s.settings.Plans }

// IssueInput is an issuance request. Nil limits and validity fall back to
// the plan, and a plan validity of zero issues a perpetual license.
type IssueInput struct {
	LicenseeEmail string
	PlanCode      string
	MaxUsers      *uint32
	MaxDevices    *uint32
	ValidityDays  *int
	Perpetual     bool
	Features      []string
	Pending       bool
}

// Issue signs and stores a new license.
func (s *LicenseService) Issue(ctx context.Context, in IssueInput) (*license.License, error) {
	if s.deps.Issuer == nil {
		return nil, license.ErrNoSigningKey
	}
	req, err := s.settings.IssueRequest(in, s.now())
	if err != nil {
		return nil, err
	}
	return s.deps.Issuer.Issue(ctx, req)
}

// IssueRequest resolves in against the plan table: limits, features and
// validity the caller leaves unset come from the plan, then from the
// license-wide device default. A plan validity of zero days is perpetual.
func (st Settings) IssueRequest(in IssueInput, now time.Time) (license.IssueRequest, error) {
	code := strings.ToLower(strings.TrimSpace(in.PlanCode))
	plan, ok := st.Plans[code]
	if !ok {
		return license.IssueRequest{}, fmt.Errorf("%w %q", ErrUnknownPlan, in.PlanCode)
	}

	req := license.IssueRequest{
		LicenseeEmail: in.LicenseeEmail,
		PlanCode:      code,
		MaxUsers:      plan.MaxUsers,
		MaxDevices:    plan.MaxDevices,
		Features:      plan.Features,
		Pending:       in.Pending,
	}
	if in.MaxUsers != nil {
		req.MaxUsers = *in.MaxUsers
	}
	if in.MaxDevices != nil {
		req.MaxDevices = *in.MaxDevices
	}
	if req.MaxDevices == 0 {
		req.MaxDevices = st.DefaultMaxDevices
	}
	if req.MaxUsers == 0 {
		req.MaxUsers = req.MaxDevices
	}
	if in.Features != nil {
		req.Features = in.Features
	}

	days := plan.ValidityDays
	if in.ValidityDays != nil {
		days = *in.ValidityDays
	}
	if !in.Perpetual && days > 0 {
		exp := now.UTC().Add(time.Duration(days) * 24 * time.Hour).Truncate(time.Second)
		req.ExpiresAt = &exp
	}
	return req, nil
}

// Validate runs the engine and, for attributable online validations, the
// risk scorer. A risk failure never changes the decision: the event is
// already recorded and the next validation observes any suspension.
func (s *LicenseService) Validate(ctx context.Context, req license.Request) (*license.Response, error) {
	resp, err := s.deps.Engine.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.LicenseID == uuid.Nil || resp.Event == nil || resp.Event.Mode != license.ModeOnline {
		return resp, nil
	}
	if s.settings.AnomalyDetection && s.deps.Scorer != nil {
		s.refreshRisk(ctx, resp.LicenseID)
	}
	return resp, nil
}

func (s *LicenseService) refreshRisk(ctx context.Context, id uuid.UUID) {
	a, err := s.deps.Scorer.Assess(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "risk evaluation failed",
			slog.String("license_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.storeRisk(ctx, a)
	if a.AutoActionTaken != nil {
		s.logger.WarnContext(ctx, "license auto-suspended after validation",
			slog.String("license_id", id.String()),
			slog.Float64("score", a.OverallScore),
		)
	}
}

// Activate binds a device.
func (s *LicenseService) Activate(ctx context.Context, req license.ActivateRequest) (*license.Activation, error) {
	return s.deps.Engine.Activate(ctx, req)
}

// Deactivate releases a device seat.
func (s *LicenseService) Deactivate(ctx context.Context, req license.DeactivateRequest) (bool, error) {
	return s.deps.Engine.Deactivate(ctx, req, "deactivated by client")
}

// Get returns the license record.
func (s *LicenseService) Get(ctx context.Context, id uuid.UUID) (*license.License, error) {
	return s.deps.Lifecycle.Get(ctx, id)
}

// Suspend suspends an active or grace license.
func (s *LicenseService) Suspend(ctx context.Context, id uuid.UUID, reason, actor string) (*license.Transition, error) {
	t, err := s.deps.Lifecycle.Suspend(ctx, id, reason, actor)
	s.invalidateRisk(ctx, id, err)
	return t, err
}

// Reinstate returns a suspended license to service.
func (s *LicenseService) Reinstate(ctx context.Context, id uuid.UUID, reason, actor string) (*license.Transition, error) {
	t, err := s.deps.Lifecycle.Reinstate(ctx, id, reason, actor)
	s.invalidateRisk(ctx, id, err)
	return t, err
}

// Revoke terminates a license.
func (s *LicenseService) Revoke(ctx context.Context, id uuid.UUID, reason, actor string) (*license.Transition, error) {
	t, err := s.deps.Lifecycle.Revoke(ctx, id, reason, actor)
	s.invalidateRisk(ctx, id, err)
	return t, err
}

// Renew moves the expiry. validityDays counts from now; nil with a nil
// expiresAt renews to perpetual.
func (s *LicenseService) Renew(ctx context.Context, id uuid.UUID, expiresAt *time.Time, validityDays *int, actor string) (*license.Transition, error) {
	if validityDays != nil {
		if *validityDays <= 0 {
			return nil, fmt.Errorf("%w: validity days must be positive", license.ErrInvalidInput)
		}
		exp := s.now().UTC().Add(time.Duration(*validityDays) * 24 * time.Hour)
		expiresAt = &exp
	}
	return s.deps.Lifecycle.Renew(ctx, id, expiresAt, actor)
}

// StartGrace opens a grace period; zero days uses the configured default.
func (s *LicenseService) StartGrace(ctx context.Context, id uuid.UUID, days int, reason, actor string) (*license.Transition, *license.GracePeriod, error) {
	length := time.Duration(days) * 24 * time.Hour
	if days == 0 {
		length = s.settings.DefaultGrace
	}
	return s.deps.Lifecycle.StartGrace(ctx, id, length, reason, actor)
}

// Transfer moves ownership to a new licensee.
func (s *LicenseService) Transfer(ctx context.Context, id uuid.UUID, toEmail, actor string) (*license.License, *license.Transfer, error) {
	return s.deps.Lifecycle.Transfer(ctx, id, toEmail, actor)
}

// Devices lists the license's bindings.
func (s *LicenseService) Devices(ctx context.Context, id uuid.UUID, activeOnly bool) ([]license.DeviceBinding, error) {
	if _, err := s.deps.Lifecycle.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.deps.Ledger.List(ctx, id, activeOnly)
}

// Events lists validation events since the given time.
func (s *LicenseService) Events(ctx context.Context, id uuid.UUID, since time.Time) ([]license.ValidationEvent, error) {
	if _, err := s.deps.Lifecycle.Get(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.deps.Events.ListEvents(ctx, id, since)
	if err != nil {
		return nil, license.Unavailable("list events", err)
	}
	return events, nil
}

// Audit lists the license's audit records.
func (s *LicenseService) Audit(ctx context.Context, id uuid.UUID) ([]license.AuditRecord, error) {
	return s.deps.Lifecycle.Audit(ctx, id)
}

// Transfers lists the license's ownership moves.
func (s *LicenseService) Transfers(ctx context.Context, id uuid.UUID) ([]license.Transfer, error) {
	return s.deps.Lifecycle.Transfers(ctx, id)
}

// Overview is the admin view of one license.
type Overview struct {
	License   *license.License        `json:"license"`
	Devices   []license.DeviceBinding `json:"devices"`
	Grace     *license.GracePeriod    `json:"grace,omitempty"`
	Audit     []license.AuditRecord   `json:"audit"`
	Transfers []license.Transfer      `json:"transfers"`
}

// Overview loads the record and its related collections concurrently.
func (s *LicenseService) Overview(ctx context.Context, id uuid.UUID) (*Overview, error) {
	l, err := s.deps.Lifecycle.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ov := &Overview{License: l}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ov.Devices, err = s.deps.Ledger.List(gctx, id, false)
		return err
	})
	g.Go(func() (err error) {
		ov.Grace, err = s.deps.Lifecycle.Grace(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		ov.Audit, err = s.deps.Lifecycle.Audit(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		ov.Transfers, err = s.deps.Lifecycle.Transfers(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ov, nil
}

// Risk returns the license's assessment, served from the short-TTL cache
// when fresh. Advice is fetched on request and never cached; advisor
// failures degrade to an assessment without advice.
func (s *LicenseService) Risk(ctx context.Context, id uuid.UUID, withAdvice bool) (*risk.Assessment, error) {
	if s.deps.Scorer == nil {
		return nil, license.Unavailable("risk", errors.New("risk scorer not configured"))
	}

	var a *risk.Assessment
	if s.deps.Cache != nil {
		var cached risk.Assessment
		hit, err := cache.GetJSON(ctx, s.deps.Cache, riskKey(id), &cached)
		if err != nil {
			s.logger.WarnContext(ctx, "risk cache read failed", slog.String("error", err.Error()))
		}
		if hit {
			a = &cached
		}
	}
	if a == nil {
		fresh, err := s.deps.Scorer.Assess(ctx, id)
		if err != nil {
			return nil, err
		}
		s.storeRisk(ctx, fresh)
		a = fresh
	}

	if withAdvice && s.deps.Advisor != nil && s.deps.Advisor.Enabled() {
		advice, err := s.deps.Advisor.Advise(ctx, *a)
		if err != nil {
			s.logger.WarnContext(ctx, "risk advice unavailable",
				slog.String("license_id", id.String()),
				slog.String("error", err.Error()),
			)
		} else {
			out := *a
			out.Advice = advice
			a = &out
		}
	}
	return a, nil
}

func (s *LicenseService) storeRisk(ctx context.Context, a *risk.Assessment) {
	if s.deps.Cache == nil || s.settings.RiskCacheTTL <= 0 {
		return
	}
	if err := cache.SetJSON(ctx, s.deps.Cache, riskKey(a.LicenseID), a, s.settings.RiskCacheTTL); err != nil {
		s.logger.WarnContext(ctx, "risk cache write failed", slog.String("error", err.Error()))
	}
}

// invalidateRisk drops the cached assessment after a successful manual
// transition, since auto-action eligibility depends on status.
func (s *LicenseService) invalidateRisk(ctx context.Context, id uuid.UUID, opErr error) {
	if opErr != nil || s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.Delete(ctx, riskKey(id)); err != nil {
		s.logger.WarnContext(ctx, "risk cache delete failed", slog.String("error", err.Error()))
	}
}

func riskKey(id uuid.UUID) string { return "risk:" + id.String() }
