package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	apierrors "licensecore/internal/errors"
	"licensecore/internal/infrastructure"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestID(t *testing.T) {
	var seen, traced string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = chimw.GetReqID(r.Context())
		traced = infrastructure.GetTraceID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, traced)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc-123", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 100))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, 36)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4411"
	assert.Equal(t, "203.0.113.9", ClientIP(req))
	req.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://dash.example.com"}})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/licenses/validate", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2, time.Minute, discardLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.Allow("c"))
	assert.Equal(t, 1, rl.Sweep())
}

func TestRateLimiterHandler(t *testing.T) {
	rl := NewRateLimiter(1, 1, time.Minute, discardLogger())
	h := rl.Handler(okHandler)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/validate", nil)
		req.RemoteAddr = "198.51.100.7:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusOK, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), apierrors.TypeRateLimit)
}

func TestAPIKeyAuth(t *testing.T) {
	var actor string
	h := APIKeyAuth(discardLogger(), []string{"first-secret", "second-secret"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor = Actor(r.Context())
		}))

	tests := []struct {
		name   string
		header string
		value  string
		status int
		actor  string
	}{
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"wrong", APIKeyHeader, "nope", http.StatusUnauthorized, ""},
		{"header", APIKeyHeader, "second-secret", http.StatusOK, "admin:key2"},
		{"bearer", "Authorization", "Bearer first-secret", http.StatusOK, "admin:key1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor = ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/licenses/x", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.actor, actor)
			assert.NotContains(t, rec.Body.String(), "secret")
		})
	}
}

func TestActorContext(t *testing.T) {
	assert.Empty(t, Actor(context.Background()))
	assert.Equal(t, "ops", Actor(WithActor(context.Background(), "ops")))
}

func TestSecureHeaders(t *testing.T) {
	h := DefaultSecureHeaders().Handler(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "plain HTTP gets no HSTS")

	req := httptest.NewRequest(http.MethodGet, "/ws/audit", nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("X-Frame-Options"))
}

type issueBody struct {
	Email string `json:"licenseeEmail" validate:"required,email"`
	Plan  string `json:"planCode" validate:"required,planCode"`
	Days  *int   `json:"validityDays" validate:"omitempty,gte=1,lte=3650"`
}

func TestValidatorDecode(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"valid", `{"licenseeEmail":"a@b.io","planCode":"pro"}`, 0, ""},
		{"empty", ``, http.StatusBadRequest, ""},
		{"unknown field", `{"licenseeEmail":"a@b.io","planCode":"pro","x":1}`, http.StatusBadRequest, ""},
		{"bad email", `{"licenseeEmail":"nope","planCode":"pro"}`, http.StatusBadRequest, "licenseeEmail"},
		{"bad plan", `{"licenseeEmail":"a@b.io","planCode":"Pro Plan"}`, http.StatusBadRequest, "planCode"},
		{"days range", `{"licenseeEmail":"a@b.io","planCode":"pro","validityDays":0}`, http.StatusBadRequest, "validityDays"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst issueBody
			err := v.Decode(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)), &dst)
			if tt.status == 0 {
				require.NoError(t, err)
				return
			}
			var apiErr *apierrors.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			if tt.field != "" {
				fields, ok := apiErr.Details.([]apierrors.ValidationError)
				require.True(t, ok)
				require.Len(t, fields, 1)
				assert.Equal(t, tt.field, fields[0].Field)
			}
		})
	}
}

func TestOTelRecordsRoutePattern(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())
	hm, err := infrastructure.NewHTTPMetrics(mp.Meter("test"))
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(OTel(hm))
	r.Get("/api/v1/admin/licenses/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/admin/licenses/123", nil))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "http_requests_total" {
				continue
			}
			sum := m.Data.(metricdata.Sum[int64])
			require.Len(t, sum.DataPoints, 1)
			route, _ := sum.DataPoints[0].Attributes.Value("route")
			status, _ := sum.DataPoints[0].Attributes.Value("status")
			assert.Equal(t, "/api/v1/admin/licenses/{id}", route.AsString())
			assert.EqualValues(t, http.StatusNotFound, status.AsInt64())
			found = true
		}
	}
	assert.True(t, found)
}

func TestProblemBodyShape(t *testing.T) {
	rl := NewRateLimiter(0, 0, time.Minute, discardLogger())
	rec := httptest.NewRecorder()
	rl.Handler(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 429, body["status"])
	assert.Equal(t, "/x", body["instance"])
}
