package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "licensecore/internal/errors"
	"licensecore/internal/infrastructure"
	"licensecore/internal/middleware"
)

// RouterConfig carries everything the router mounts. Optional handlers
// (Metrics, Feed) are skipped when nil.
type RouterConfig struct {
	Licenses    LicenseService
	Health      HealthChecker
	Tokens      TokenParser
	Metrics     http.Handler
	Feed        http.Handler
	HTTPMetrics *infrastructure.HTTPMetrics

	APIKeys        []string
	CORS           *middleware.CORSConfig
	SecureHeaders  *middleware.SecureHeaders
	RateLimiter    *middleware.RateLimiter
	RequestTimeout time.Duration
	IncludeStack   bool

	Logger *slog.Logger
}

// NewRouter assembles the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eh := apierrors.NewErrorHandler(logger, cfg.IncludeStack)
	v := middleware.NewValidator()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.OTel(cfg.HTTPMetrics))
	r.Use(apierrors.RequestLogger(logger))
	r.Use(eh.RecoveryMiddleware)
	if cfg.SecureHeaders != nil {
		r.Use(cfg.SecureHeaders.Handler)
	}
	if cfg.CORS != nil {
		r.Use(middleware.CORS(*cfg.CORS))
	}
	r.NotFound(eh.NotFound)
	r.MethodNotAllowed(eh.MethodNotAllowed)

	health := NewHealthHandler(cfg.Health)
	r.Get("/healthz", health.Liveness)
	r.Get("/readyz", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Feed != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(logger, cfg.APIKeys))
			r.Method(http.MethodGet, "/ws/audit", cfg.Feed)
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		if cfg.RequestTimeout > 0 {
			r.Use(chimw.Timeout(cfg.RequestTimeout))
		}

		r.Group(func(r chi.Router) {
			if cfg.RateLimiter != nil {
				r.Use(cfg.RateLimiter.Handler)
			}
			r.Mount("/licenses", NewLicenseHandler(cfg.Licenses, cfg.Tokens, v, eh, logger).Routes())
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(logger, cfg.APIKeys))
			r.Mount("/admin/licenses", NewAdminHandler(cfg.Licenses, v, eh, logger).Routes())
		})
	})
	return r
}
