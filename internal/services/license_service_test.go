package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/cache"
	"licensecore/internal/config"
	"licensecore/internal/license"
	"licensecore/internal/risk"
	"licensecore/internal/store/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingAssessor struct {
	mu    sync.Mutex
	calls int
	err   error
	fn    func(id uuid.UUID) *risk.Assessment
}

func (c *countingAssessor) Assess(_ context.Context, id uuid.UUID) (*risk.Assessment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if c.fn != nil {
		return c.fn(id), nil
	}
	return &risk.Assessment{LicenseID: id, RiskLevel: risk.LevelSafe, ComputedAt: epoch}, nil
}

func (c *countingAssessor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type stubAdvisor struct {
	enabled bool
	advice  string
	err     error
}

func (s stubAdvisor) Enabled() bool { return s.enabled }

func (s stubAdvisor) Advise(context.Context, risk.Assessment) (string, error) {
	return s.advice, s.err
}

type svcFixture struct {
	svc      *LicenseService
	store    *memory.Store
	scorer   *countingAssessor
	cache    *cache.Memory
	now      time.Time
	settings Settings
}

func newSvcFixture(t *testing.T, mutate func(*Settings, *Deps)) *svcFixture {
	t.Helper()
	now := func() time.Time { return epoch }

	pub, priv, err := license.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := license.NewSigner(priv)
	require.NoError(t, err)
	verifier, err := license.NewVerifier(pub)
	require.NoError(t, err)
	hasher, err := license.NewFingerprintHasher([]byte("service-test-seed-0123456789"))
	require.NoError(t, err)

	store := memory.New()
	ledger := license.NewLedger(store, hasher, nil)
	ledger.SetClock(now)
	lc := license.NewLifecycle(store, ledger, nil, license.WithSigner(signer), license.WithLifecycleClock(now))
	engine := license.NewEngine(license.DefaultEngineConfig(), verifier, nil,
		license.WithStore(store, ledger, lc),
		license.WithTokenIssuer(license.NewTokenIssuer(signer)),
		license.WithClock(now),
	)
	issuer, err := license.NewIssuer(signer, store, nil)
	require.NoError(t, err)
	issuer.SetClock(now)

	mc := cache.NewMemory(100, 0)
	t.Cleanup(mc.Stop)
	mc.SetClock(now)

	settings := SettingsFromConfig(config.Default())
	scorer := &countingAssessor{}
	deps := Deps{
		Engine: engine, Lifecycle: lc, Ledger: ledger, Events: store,
		Issuer: issuer, Scorer: scorer, Cache: mc,
	}
	if mutate != nil {
		mutate(&settings, &deps)
	}
	svc, err := NewLicenseService(settings, deps, nil)
	require.NoError(t, err)
	svc.SetClock(now)
	return &svcFixture{svc: svc, store: store, scorer: scorer, cache: mc, now: epoch, settings: settings}
}

func u32(v uint32) *uint32 { return &v }
func intp(v int) *int      { return &v }

func TestIssueAppliesPlanDefaults(t *testing.T) {
	fx := newSvcFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		in         IssueInput
		maxDevices uint32
		maxUsers   uint32
		expires    *time.Time
		features   []string
	}{
		{
			name:       "plan defaults",
			in:         IssueInput{LicenseeEmail: "a@example.com", PlanCode: "pro"},
			maxDevices: 3, maxUsers: 3,
			expires:  timePtr(epoch.Add(365 * 24 * time.Hour)),
			features: []string{"api", "export"},
		},
		{
			name:       "explicit limits and validity",
			in:         IssueInput{LicenseeEmail: "a@example.com", PlanCode: "PRO", MaxDevices: u32(5), MaxUsers: u32(2), ValidityDays: intp(10)},
			maxDevices: 5, maxUsers: 2,
			expires:  timePtr(epoch.Add(10 * 24 * time.Hour)),
			features: []string{"api", "export"},
		},
		{
			name:       "perpetual with custom features",
			in:         IssueInput{LicenseeEmail: "a@example.com", PlanCode: "basic", Perpetual: true, Features: []string{"beta"}},
			maxDevices: 1, maxUsers: 1,
			features: []string{"beta"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := fx.svc.Issue(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.maxDevices, l.Payload.MaxDevices)
			assert.Equal(t, tt.maxUsers, l.Payload.MaxUsers)
			if tt.expires == nil {
				assert.Nil(t, l.Payload.ExpiresAt)
			} else {
				require.NotNil(t, l.Payload.ExpiresAt)
				assert.True(t, tt.expires.Equal(*l.Payload.ExpiresAt))
			}
			assert.ElementsMatch(t, tt.features, l.Payload.Features.List())
			assert.Equal(t, license.StatusActive, l.Status)
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestIssueRejections(t *testing.T) {
	fx := newSvcFixture(t, nil)
	_, err := fx.svc.Issue(context.Background(), IssueInput{LicenseeEmail: "a@example.com", PlanCode: "gold"})
	assert.ErrorIs(t, err, ErrUnknownPlan)
	assert.ErrorIs(t, err, license.ErrInvalidInput)

	noIssuer := newSvcFixture(t, func(_ *Settings, d *Deps) { d.Issuer = nil })
	assert.False(t, noIssuer.svc.CanIssue())
	_, err = noIssuer.svc.Issue(context.Background(), IssueInput{LicenseeEmail: "a@example.com", PlanCode: "pro"})
	assert.ErrorIs(t, err, license.ErrNoSigningKey)
}

func TestValidateRunsRiskForOnlineDecisions(t *testing.T) {
	fx := newSvcFixture(t, nil)
	ctx := context.Background()
	l, err := fx.svc.Issue(ctx, IssueInput{LicenseeEmail: "a@example.com", PlanCode: "pro"})
	require.NoError(t, err)

	resp, err := fx.svc.Validate(ctx, license.Request{Key: l.LicenseKey, Fingerprint: "device-1", Mode: license.ModeOnline, IPAddress: "198.51.100.4"})
	require.NoError(t, err)
	assert.True(t, resp.Decision.Accepted)
	assert.Equal(t, 1, fx.scorer.count())

	// The fresh assessment is cached for risk reads.
	_, err = fx.svc.Risk(ctx, l.ID(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.scorer.count())

	resp, err = fx.svc.Validate(ctx, license.Request{Key: "not-a-key", Fingerprint: "device-1", Mode: license.ModeOnline})
	require.NoError(t, err)
	assert.Equal(t, license.ReasonMalformedKey, resp.Decision.Reason)
	assert.Equal(t, 1, fx.scorer.count(), "unattributed keys are not scored")

	_, err = fx.svc.Validate(ctx, license.Request{Key: l.LicenseKey, Fingerprint: "device-1", Mode: license.ModeOffline})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.scorer.count(), "offline revalidations are not scored")
}

func TestValidateIgnoresRiskFailures(t *testing.T) {
	fx := newSvcFixture(t, nil)
	fx.scorer.err = license.Unavailable("list events", errors.New("down"))
	l, err := fx.svc.Issue(context.Background(), IssueInput{LicenseeEmail: "a@example.com", PlanCode: "pro"})
	require.NoError(t, err)

	resp, err := fx.svc.Validate(context.Background(), license.Request{Key: l.LicenseKey, Fingerprint: "d", Mode: license.ModeOnline})
	require.NoError(t, err)
	assert.True(t, resp.Decision.Accepted)
}

func TestValidateSkipsRiskWhenDisabled(t *testing.T) {
	fx := newSvcFixture(t, func(s *Settings, _ *Deps) { s.AnomalyDetection = false })
	l, err := fx.svc.Issue(context.Background(), IssueInput{LicenseeEmail: "a@example.com", PlanCode: "pro"})
	require.NoError(t, err)
	_, err = fx.svc.Validate(context.Background(), license.Request{Key: l.LicenseKey, Fingerprint: "d", Mode: license.ModeOnline})
	require.NoError(t, err)
	assert.Zero(t, fx.scorer.count())
}

func TestRiskCacheAndInvalidation(t *testing.T) {
	fx := newSvcFixture(t, nil)
	ctx := context.Background()
	l, err := fx.svc.Issue(ctx, IssueInput{LicenseeEmail: "a@example.com", PlanCode: "pro"})
	require.NoError(t, err)

	a, err := fx.svc.Risk(ctx, l.ID(), false)
	require.NoError(t, err)
	assert.Equal(t, l.ID(), a.LicenseID)
	_, err = fx.svc.Risk(ctx, l.ID(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.scorer.count())

	_, err = fx.svc.Suspend(ctx, l.ID(), "chargeback", "admin:key1")
	require.NoError(t, err)
	_, err = fx.svc.Risk(ctx, l.ID(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, fx.scorer.count())
}

func TestRiskReportsWithoutSuspendingWhenDetectionDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Licensing.AnomalyDetectionEnabled = false
	cfg.Licensing.AutoSuspendOnAnomaly = true

	fx := newSvcFixture(t, func(s *Settings, d *Deps) {
		*s = SettingsFromConfig(cfg)
		scorer, err := risk.NewScorer(cfg.RiskSettings(), d.Events, d.Lifecycle, nil,
			risk.WithClock(func() time.Time { return epoch }))
		require.NoError(t, err)
		d.Scorer = scorer
	})
	ctx := context.Background()
	l, err := fx.svc.Issue(ctx, IssueInput{LicenseeEmail: "a@example.com", PlanCode: "basic"})
	require.NoError(t, err)

	// One key shared across machines and networks within minutes.
	at := epoch.Add(-10 * time.Minute)
	for i, e := range []struct{ fp, digest, ip string }{
		{"fpA", "dA", "10.1.0.1"}, {"fpA", "dB", "10.2.0.1"}, {"fpA", "dC", "10.3.0.1"},
		{"fpB", "dA", "10.4.0.1"}, {"fpC", "dA", "10.5.0.1"},
	} {
		require.NoError(t, fx.store.AppendEvent(ctx, license.ValidationEvent{
			ID: uuid.NewString(), LicenseID: l.ID(), FingerprintHash: e.fp, HardwareDigest: e.digest,
			IPAddress: e.ip, Mode: license.ModeOnline, Result: license.ResultAccepted,
			Timestamp: at.Add(time.Duration(i) * time.Minute),
		}))
	}

	a, err := fx.svc.Risk(ctx, l.ID(), false)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelCritical, a.RiskLevel)
	assert.Nil(t, a.AutoActionTaken)

	got, err := fx.store.GetLicense(ctx, l.ID())
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, got.Status)
	audit, err := fx.store.ListAudit(ctx, l.ID())
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestRiskWithoutCache(t *testing.T) {
	fx := newSvcFixture(t, func(_ *Settings, d *Deps) { d.Cache = nil })
	id := uuid.New()
	_, err := fx.svc.Risk(context.Background(), id, false)
	require.NoError(t, err)
	_, err = fx.svc.Risk(context.Background(), id, false)
	require.NoError(t, err)
	assert.Equal(t, 2, fx.scorer.count())
}

func TestRiskAdvice(t *testing.T) {
	tests := []struct {
		name    string
		advisor Advisor
		ask     bool
		want    string
	}{
		{"attached", stubAdvisor{enabled: true, advice: "Looks shared."}, true, "Looks shared."},
		{"not requested", stubAdvisor{enabled: true, advice: "x"}, false, ""},
		{"disabled", stubAdvisor{enabled: false, advice: "x"}, true, ""},
		{"failure degrades", stubAdvisor{enabled: true, err: errors.New("503")}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newSvcFixture(t, func(_ *Settings, d *Deps) { d.Advisor = tt.advisor })
			id := uuid.New()
			a, err := fx.svc.Risk(context.Background(), id, tt.ask)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Advice)

			// Advice is never cached.
			again, err := fx.svc.Risk(context.Background(), id, false)
			require.NoError(t, err)
			assert.Empty(t, again.Advice)
		})
	}
}

func TestRiskPropagatesNotFound(t *testing.T) {
	fx := newSvcFixture(t, nil)
	fx.scorer.err = license.ErrNotFound
	_, err := fx.svc.Risk(context.Background(), uuid.New(), false)
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestOverviewAndListings(t *testing.T) {
	fx := newSvcFixture(t, nil)
	ctx := context.Background()
	l, err := fx.svc.Issue(ctx, IssueInput{LicenseeEmail: "a@example.com", PlanCode: "pro"})
	require.NoError(t, err)

	for _, fp := range []string{"d1", "d2"} {
		act, err := fx.svc.Activate(ctx, license.ActivateRequest{Key: l.LicenseKey, Fingerprint: fp, Device: license.DeviceInfo{Name: fp}})
		require.NoError(t, err)
		require.True(t, act.Bound)
	}
	ok, err := fx.svc.Deactivate(ctx, license.DeactivateRequest{Key: l.LicenseKey, Fingerprint: "d2"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = fx.svc.Suspend(ctx, l.ID(), "review", "admin:key1")
	require.NoError(t, err)
	_, err = fx.svc.Reinstate(ctx, l.ID(), "cleared", "admin:key1")
	require.NoError(t, err)

	ov, err := fx.svc.Overview(ctx, l.ID())
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, ov.License.Status)
	assert.Len(t, ov.Devices, 2)
	assert.Len(t, ov.Audit, 2)
	assert.Empty(t, ov.Transfers)
	assert.Nil(t, ov.Grace)

	active, err := fx.svc.Devices(ctx, l.ID(), true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	events, err := fx.svc.Events(ctx, l.ID(), epoch.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = fx.svc.Overview(ctx, uuid.New())
	assert.ErrorIs(t, err, license.ErrNotFound)
	_, err = fx.svc.Devices(ctx, uuid.New(), false)
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestRenewAndGrace(t *testing.T) {
	fx := newSvcFixture(t, nil)
	ctx := context.Background()
	l, err := fx.svc.Issue(ctx, IssueInput{LicenseeEmail: "a@example.com", PlanCode: "pro", ValidityDays: intp(5)})
	require.NoError(t, err)

	tr, g, err := fx.svc.StartGrace(ctx, l.ID(), 0, "payment pending", "admin:key1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusGrace, tr.License.Status)
	assert.True(t, g.EndsAt.Equal(l.Payload.ExpiresAt.Add(fx.settings.DefaultGrace)))

	_, err = fx.svc.Renew(ctx, l.ID(), nil, intp(0), "admin:key1")
	assert.ErrorIs(t, err, license.ErrInvalidInput)

	tr, err = fx.svc.Renew(ctx, l.ID(), nil, intp(30), "admin:key1")
	require.NoError(t, err)
	require.NotNil(t, tr.License.Payload.ExpiresAt)
	assert.True(t, tr.License.Payload.ExpiresAt.After(*l.Payload.ExpiresAt))

	moved, transfer, err := fx.svc.Transfer(ctx, l.ID(), "b@example.com", "admin:key1")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", moved.Payload.LicenseeEmail)
	assert.Equal(t, "a@example.com", transfer.FromEmail)

	transfers, err := fx.svc.Transfers(ctx, l.ID())
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
}

func TestRevokeIsTerminal(t *testing.T) {
	fx := newSvcFixture(t, nil)
	ctx := context.Background()
	l, err := fx.svc.Issue(ctx, IssueInput{LicenseeEmail: "a@example.com", PlanCode: "basic"})
	require.NoError(t, err)
	_, err = fx.svc.Revoke(ctx, l.ID(), "fraud", "admin:key1")
	require.NoError(t, err)
	_, err = fx.svc.Reinstate(ctx, l.ID(), "oops", "admin:key1")
	assert.ErrorIs(t, err, license.ErrTerminal)

	audit, err := fx.svc.Audit(ctx, l.ID())
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, license.StatusRevoked, audit[0].To)
}

func TestNewLicenseServiceRequiresCore(t *testing.T) {
	_, err := NewLicenseService(Settings{}, Deps{}, nil)
	assert.Error(t, err)
}
