package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/cache"
	"licensecore/internal/config"
	"licensecore/internal/license"
	"licensecore/internal/middleware"
	"licensecore/internal/risk"
	"licensecore/internal/services"
	"licensecore/internal/store/memory"
	api "licensecore/pkg/contracts/api/v1"
)

const adminKey = "test-admin-key-0123456789"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedAssessor struct{}

func (fixedAssessor) Assess(_ context.Context, id uuid.UUID) (*risk.Assessment, error) {
	return &risk.Assessment{LicenseID: id, OverallScore: 12, RiskLevel: risk.LevelLow, ComputedAt: epoch}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fixture struct {
	handler http.Handler
	service *services.LicenseService
}

type fixtureOpts struct {
	noIssuer bool
	limiter  *middleware.RateLimiter
	ping     error
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	now := func() time.Time { return epoch }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, priv, err := license.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := license.NewSigner(priv)
	require.NoError(t, err)
	verifier, err := license.NewVerifier(pub)
	require.NoError(t, err)
	hasher, err := license.NewFingerprintHasher([]byte("transport-test-seed-0123456789"))
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
	deps := services.Deps{
		Engine: engine, Lifecycle: lc, Ledger: ledger, Events: store,
		Scorer: fixedAssessor{}, Cache: cache.NewMemory(10, 0),
	}
	if !opts.noIssuer {
		issuer, err := license.NewIssuer(signer, store, nil)
		require.NoError(t, err)
		issuer.SetClock(now)
		deps.Issuer = issuer
	}
	svc, err := services.NewLicenseService(services.SettingsFromConfig(config.Default()), deps, logger)
	require.NoError(t, err)
	svc.SetClock(now)

	health := services.NewHealthService("test", map[string]services.Pinger{"store": pinger{err: opts.ping}}, logger)
	router := NewRouter(RouterConfig{
		Licenses:      svc,
		Health:        health,
		Tokens:        license.NewTokenVerifier(verifier),
		Metrics:       http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		APIKeys:       []string{adminKey},
		SecureHeaders: middleware.DefaultSecureHeaders(),
		RateLimiter:   opts.limiter,
		Logger:        logger,
	})
	return &fixture{handler: router, service: svc}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(middleware.APIKeyHeader, adminKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) issue(t *testing.T, maxDevices uint32) api.IssueResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/admin/licenses/issue", api.IssueRequest{
		LicenseeEmail: "ops@example.com",
		PlanCode:      "pro",
		Limits:        &api.Limits{MaxDevices: &maxDevices},
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.IssueResponse](t, rec)
}

func TestClientLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	issued := f.issue(t, 2)
	require.NotEmpty(t, issued.LicenseKey)
	require.NotNil(t, issued.ExpiresAt)

	rec := f.do(t, http.MethodPost, "/api/v1/licenses/activate", api.ActivateRequest{
		LicenseKey: issued.LicenseKey, DeviceFingerprint: "device-a",
		DeviceInfo: api.HardwareInfo{DeviceName: "laptop"},
	}, false)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	act := decode[api.ActivateResponse](t, rec)
	assert.True(t, act.Bound)
	assert.NotEmpty(t, act.BindingID)

	rec = f.do(t, http.MethodPost, "/api/v1/licenses/validate", api.ValidateRequest{
		LicenseKey: issued.LicenseKey, DeviceFingerprint: "device-a", Mode: api.ModeOnline,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	online := decode[api.ValidateResponse](t, rec)
	assert.True(t, online.Accepted())
	assert.NotEmpty(t, online.Token)
	require.NotNil(t, online.CachedUntil)
	assert.Equal(t, epoch.Add(15*time.Minute), online.CachedUntil.UTC())

	rec = f.do(t, http.MethodPost, "/api/v1/licenses/validate", api.ValidateRequest{
		LicenseKey: issued.LicenseKey, DeviceFingerprint: "device-a", Mode: api.ModeOffline,
		LastKnownGoodToken: online.Token,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	offline := decode[api.ValidateResponse](t, rec)
	assert.True(t, offline.Accepted())

	rec = f.do(t, http.MethodPost, "/api/v1/licenses/deactivate", api.DeactivateRequest{
		LicenseKey: issued.LicenseKey, BindingID: act.BindingID,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.DeactivateResponse](t, rec).OK)

	rec = f.do(t, http.MethodGet, "/api/v1/admin/licenses/"+issued.LicenseID+"/devices?active=true", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[api.ListResponse](t, rec).Count)
}

func TestValidateDenials(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	issued := f.issue(t, 1)

	tests := []struct {
		name      string
		body      api.ValidateRequest
		reason    string
		retryable bool
	}{
		{
			name:   "malformed key",
			body:   api.ValidateRequest{LicenseKey: "not-a-key", DeviceFingerprint: "d"},
			reason: string(license.ReasonMalformedKey),
		},
		{
			name:      "offline without token",
			body:      api.ValidateRequest{LicenseKey: issued.LicenseKey, DeviceFingerprint: "d", Mode: api.ModeOffline},
			reason:    string(license.ReasonOfflineGraceExpired),
			retryable: true,
		},
		{
			name: "offline with forged token",
			body: api.ValidateRequest{LicenseKey: issued.LicenseKey, DeviceFingerprint: "d", Mode: api.ModeOffline,
				LastKnownGoodToken: "eyJhbGciOiJFZERTQSJ9.e30.c2ln"},
			reason:    string(license.ReasonOfflineGraceExpired),
			retryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/licenses/validate", tt.body, false)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			got := decode[api.ValidateResponse](t, rec)
			assert.Equal(t, api.DecisionDenied, got.Decision)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.Empty(t, got.Token)
		})
	}
}

func TestDeviceQuotaOverHTTP(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	issued := f.issue(t, 1)

	rec := f.do(t, http.MethodPost, "/api/v1/licenses/activate", api.ActivateRequest{
		LicenseKey: issued.LicenseKey, DeviceFingerprint: "first",
	}, false)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/licenses/activate", api.ActivateRequest{
		LicenseKey: issued.LicenseKey, DeviceFingerprint: "second",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	act := decode[api.ActivateResponse](t, rec)
	assert.False(t, act.Bound)
	assert.Equal(t, api.ActivateQuotaExceeded, act.Error)
	assert.Equal(t, string(license.ReasonDeviceQuotaExceeded), act.Reason)
}

func TestActivateInvalidKeys(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	issued := f.issue(t, 1)

	bare := license.NormalizeKey(issued.LicenseKey)
	i := len(bare) - 6
	swap := byte('A')
	if bare[i] == swap {
		swap = 'B'
	}
	tampered := bare[:i] + string(swap) + bare[i+1:]

	tests := []struct {
		name   string
		key    string
		reason license.Reason
	}{
		{"malformed", "not-a-key", license.ReasonMalformedKey},
		{"bad signature", tampered, license.ReasonInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/licenses/activate", api.ActivateRequest{
				LicenseKey: tt.key, DeviceFingerprint: "device-a",
			}, false)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			act := decode[api.ActivateResponse](t, rec)
			assert.False(t, act.Bound)
			assert.Empty(t, act.BindingID)
			assert.Equal(t, api.ActivateInvalidKey, act.Error)
			assert.Equal(t, string(tt.reason), act.Reason)
		})
	}
}

func TestLargeKeyOverHTTP(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	features := make([]string, 64)
	for i := range features {
		features[i] = fmt.Sprintf("feature-%02d-%s", i, strings.Repeat("x", 53))
	}
	email := "licensing.operations.department+enterprise-seat-pool@subsidiary.example-holdings.co.uk"
	rec := f.do(t, http.MethodPost, "/api/v1/admin/licenses/issue", api.IssueRequest{
		LicenseeEmail: email,
		PlanCode:      "enterprise",
		Features:      features,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	issued := decode[api.IssueResponse](t, rec)
	require.Greater(t, len(issued.LicenseKey), 4096)

	rec = f.do(t, http.MethodPost, "/api/v1/licenses/validate", api.ValidateRequest{
		LicenseKey: issued.LicenseKey, DeviceFingerprint: "device-a",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, api.DecisionAccepted, decode[api.ValidateResponse](t, rec).Decision)

	rec = f.do(t, http.MethodPost, "/api/v1/licenses/activate", api.ActivateRequest{
		LicenseKey: issued.LicenseKey, DeviceFingerprint: "device-b",
	}, false)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decode[api.ActivateResponse](t, rec).Bound)

	rec = f.do(t, http.MethodPost, "/api/v1/licenses/deactivate", api.DeactivateRequest{
		LicenseKey: issued.LicenseKey, DeviceFingerprint: "device-b",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[api.DeactivateResponse](t, rec).OK)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	tests := []struct {
		name  string
		path  string
		body  interface{}
		admin bool
		field string
	}{
		{"validate without fingerprint", "/api/v1/licenses/validate", map[string]string{"licenseKey": "x"}, false, "deviceFingerprint"},
		{"validate bad mode", "/api/v1/licenses/validate", map[string]string{"licenseKey": "x", "deviceFingerprint": "d", "mode": "sometimes"}, false, "mode"},
		{"deactivate without target", "/api/v1/licenses/deactivate", map[string]string{"licenseKey": "x"}, false, "bindingId"},
		{"issue bad email", "/api/v1/admin/licenses/issue", map[string]string{"licenseeEmail": "nope", "planCode": "pro"}, true, "licenseeEmail"},
		{"issue bad plan code", "/api/v1/admin/licenses/issue", map[string]string{"licenseeEmail": "a@example.com", "planCode": "Pro Plan"}, true, "planCode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.body, tt.admin)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), tt.field)
		})
	}

	t.Run("unknown field", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/licenses/validate",
			map[string]string{"licenseKey": "x", "deviceFingerprint": "d", "extra": "1"}, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("unknown plan", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/admin/licenses/issue",
			api.IssueRequest{LicenseeEmail: "a@example.com", PlanCode: "platinum"}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdminLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	issued := f.issue(t, 3)
	base := "/api/v1/admin/licenses/" + issued.LicenseID

	rec := f.do(t, http.MethodPost, base+"/suspend", api.ReasonRequest{Reason: "chargeback"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr := decode[api.TransitionResponse](t, rec)
	assert.True(t, tr.Changed)
	assert.Equal(t, "suspended", tr.License.Status)

	rec = f.do(t, http.MethodPost, base+"/suspend", api.ReasonRequest{Reason: "again"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[api.TransitionResponse](t, rec).Changed)

	rec = f.do(t, http.MethodPost, "/api/v1/licenses/validate", api.ValidateRequest{
		LicenseKey: issued.LicenseKey, DeviceFingerprint: "d",
	}, false)
	assert.Equal(t, string(license.ReasonSuspended), decode[api.ValidateResponse](t, rec).Reason)

	rec = f.do(t, http.MethodPost, base+"/revoke", api.ReasonRequest{Reason: "fraud"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/reinstate", api.ReasonRequest{Reason: "mistake"}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/audit", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[api.ListResponse](t, rec).Count)

	rec = f.do(t, http.MethodGet, base, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	ov := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, string(ov["license"]), `"status":"revoked"`)
	assert.NotContains(t, rec.Body.String(), issued.LicenseKey)
}

func TestAdminRenewGraceTransferAndRisk(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	issued := f.issue(t, 3)
	base := "/api/v1/admin/licenses/" + issued.LicenseID

	days := 30
	rec := f.do(t, http.MethodPost, base+"/renew", api.RenewRequest{ValidityDays: &days}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	renewed := decode[api.TransitionResponse](t, rec)
	require.NotNil(t, renewed.License.ExpiresAt)
	assert.Equal(t, epoch.Add(30*24*time.Hour), renewed.License.ExpiresAt.UTC())

	rec = f.do(t, http.MethodPost, base+"/renew", map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/grace", api.GraceRequest{Days: 5, Reason: "payment pending"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "grace", decode[api.TransitionResponse](t, rec).License.Status)

	rec = f.do(t, http.MethodPost, base+"/grace", api.GraceRequest{Reason: "again"}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/transfer", api.TransferRequest{ToEmail: "new@example.com"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "new@example.com", decode[api.TransferResponse](t, rec).License.LicenseeEmail)

	rec = f.do(t, http.MethodGet, base+"/transfers", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[api.ListResponse](t, rec).Count)

	rec = f.do(t, http.MethodGet, base+"/risk", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "low", string(decode[risk.Assessment](t, rec).RiskLevel))

	rec = f.do(t, http.MethodGet, base+"/events?since=yesterday", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/events?since="+epoch.Add(-time.Hour).Format(time.RFC3339), nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminErrors(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	tests := []struct {
		name   string
		method string
		path   string
		admin  bool
		status int
	}{
		{"missing api key", http.MethodGet, "/api/v1/admin/licenses/" + uuid.NewString(), false, http.StatusUnauthorized},
		{"invalid id", http.MethodGet, "/api/v1/admin/licenses/not-a-uuid", true, http.StatusBadRequest},
		{"unknown license", http.MethodGet, "/api/v1/admin/licenses/" + uuid.NewString(), true, http.StatusNotFound},
		{"unknown route", http.MethodGet, "/api/v1/nothing", false, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/api/v1/licenses/validate", false, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, nil, tt.admin)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"status"`)
		})
	}
}

func TestIssueRouteRequiresSigner(t *testing.T) {
	f := newFixture(t, fixtureOpts{noIssuer: true})
	rec := f.do(t, http.MethodPost, "/api/v1/admin/licenses/issue",
		api.IssueRequest{LicenseeEmail: "a@example.com", PlanCode: "pro"}, true)
	assert.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, rec.Code)
}

func TestProbesAndMetrics(t *testing.T) {
	tests := []struct {
		name   string
		ping   error
		status int
	}{
		{"ready", nil, http.StatusOK},
		{"store down", errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{ping: tt.ping})
			rec := f.do(t, http.MethodGet, "/readyz", nil, false)
			assert.Equal(t, tt.status, rec.Code)

			rec = f.do(t, http.MethodGet, "/healthz", nil, false)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		})
	}

	f := newFixture(t, fixtureOpts{})
	rec := f.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestPublicRoutesAreRateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(1, 1, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f := newFixture(t, fixtureOpts{limiter: limiter})
	body := api.ValidateRequest{LicenseKey: "x", DeviceFingerprint: "d"}

	first := f.do(t, http.MethodPost, "/api/v1/licenses/validate", body, false)
	second := f.do(t, http.MethodPost, "/api/v1/licenses/validate", body, false)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	// Admin routes are not behind the public limiter.
	rec := f.do(t, http.MethodGet, "/api/v1/admin/licenses/"+uuid.NewString(), nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
