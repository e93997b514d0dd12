package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	apierrors "licensecore/internal/errors"
)

// APIKeyHeader carries the admin API key.
const APIKeyHeader = "X-API-Key"

type actorKey struct{}

// Actor returns the authenticated admin actor, or "" outside admin routes.
func Actor(ctx context.Context) string {
	a, _ := ctx.Value(actorKey{}).(string)
	return a
}

// WithActor stores an actor on the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// APIKeyAuth admits requests bearing one of keys, either as X-API-Key or as a
// Bearer token. The actor recorded in audit trails is "admin:key<N>", so key
// material never reaches a record.
func APIKeyAuth(logger *slog.Logger, keys []string) func(next http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "auth"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if presented == "" {
				if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
					presented = h[7:]
				}
			}
			if presented == "" {
				unauthorized(w, r, logger, "API key required")
				return
			}

			index := -1
			for i, k := range keys {
				// Compare every key so timing does not reveal which matched.
				if subtle.ConstantTimeCompare([]byte(presented), []byte(k)) == 1 && index < 0 {
					index = i
				}
			}
			if index < 0 {
				unauthorized(w, r, logger, "Invalid API key")
				return
			}
			ctx := WithActor(r.Context(), fmt.Sprintf("admin:key%d", index+1))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, logger *slog.Logger, detail string) {
	logger.WarnContext(r.Context(), "admin authentication failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("reason", detail),
	)
	render.Render(w, r, apierrors.NewProblemDetails(
		http.StatusUnauthorized,
		apierrors.TypeUnauthorized,
		"Unauthorized",
		detail,
		r.URL.Path,
	))
}

// SecureHeaders provides configurable security headers
type SecureHeaders struct {
	HSTSMaxAge            int
	ContentSecurityPolicy string
	XFrameOptions         string
	ReferrerPolicy        string
}

// DefaultSecureHeaders returns headers suited to a JSON-only API.
func DefaultSecureHeaders() *SecureHeaders {
	return &SecureHeaders{
		HSTSMaxAge:            63072000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:         "DENY",
		ReferrerPolicy:        "no-referrer",
	}
}

// Handler returns the middleware handler
func (sh *SecureHeaders) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		if sh.HSTSMaxAge > 0 && r.TLS != nil {
			h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", sh.HSTSMaxAge))
		}
		if sh.ContentSecurityPolicy != "" {
			h.Set("Content-Security-Policy", sh.ContentSecurityPolicy)
		}
		if sh.XFrameOptions != "" {
			h.Set("X-Frame-Options", sh.XFrameOptions)
		}
		if sh.ReferrerPolicy != "" {
			h.Set("Referrer-Policy", sh.ReferrerPolicy)
		}
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
