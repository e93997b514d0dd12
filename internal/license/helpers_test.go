package license_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"licensecore/internal/license"
	"licensecore/internal/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu   sync.Mutex
	recs []license.AuditRecord
}

func (s *recordingSink) PublishAudit(rec license.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

type fixture struct {
	clock     *fakeClock
	store     *memory.Store
	signer    *license.Signer
	verifier  *license.Verifier
	hasher    *license.FingerprintHasher
	ledger    *license.Ledger
	lifecycle *license.Lifecycle
	engine    *license.Engine
	tokens    *license.TokenVerifier
	sink      *recordingSink
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pub, priv, err := license.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := license.NewSigner(priv)
	require.NoError(t, err)
	verifier, err := license.NewVerifier(pub)
	require.NoError(t, err)
	hasher, err := license.NewFingerprintHasher([]byte("0123456789abcdef-test-seed"))
	require.NoError(t, err)

	fx := &fixture{
		clock:    newClock(epoch),
		store:    memory.New(),
		signer:   signer,
		verifier: verifier,
		hasher:   hasher,
		tokens:   license.NewTokenVerifier(verifier),
		sink:     &recordingSink{},
	}
	fx.ledger = license.NewLedger(fx.store, hasher, nil)
	fx.ledger.SetClock(fx.clock.Now)
	fx.lifecycle = license.NewLifecycle(fx.store, fx.ledger, nil,
		license.WithSigner(signer),
		license.WithAuditSink(fx.sink),
		license.WithLifecycleClock(fx.clock.Now),
	)
	fx.engine = license.NewEngine(license.DefaultEngineConfig(), verifier, nil,
		license.WithStore(fx.store, fx.ledger, fx.lifecycle),
		license.WithTokenIssuer(license.NewTokenIssuer(signer)),
		license.WithClock(fx.clock.Now),
	)
	return fx
}

// seed stores a signed license directly, bypassing issuance checks so tests
// can create already-expired records.
func (fx *fixture) seed(t *testing.T, maxDevices uint32, expiresAt *time.Time, status license.Status) *license.License {
	t.Helper()
	p, err := license.NewPayload(uuid.New(), "pro", "owner@example.com", 5, maxDevices, []string{"export", "api"}, fx.clock.Now().Add(-24*time.Hour), expiresAt)
	require.NoError(t, err)
	key, err := fx.signer.Issue(p)
	require.NoError(t, err)
	l := &license.License{
		Payload:    p,
		LicenseKey: key,
		Status:     status,
		CreatedAt:  p.IssuedAt,
		UpdatedAt:  p.IssuedAt,
	}
	require.NoError(t, fx.store.CreateLicense(context.Background(), l))
	return l
}

func (fx *fixture) validate(t *testing.T, key, fingerprint string) *license.Response {
	t.Helper()
	resp, err := fx.engine.Validate(context.Background(), license.Request{
		Key:         key,
		Fingerprint: fingerprint,
		Mode:        license.ModeOnline,
		IPAddress:   "203.0.113.7",
	})
	require.NoError(t, err)
	return resp
}

func (fx *fixture) reload(t *testing.T, id uuid.UUID) *license.License {
	t.Helper()
	l, err := fx.store.GetLicense(context.Background(), id)
	require.NoError(t, err)
	return l
}

func timePtr(t time.Time) *time.Time { return &t }
