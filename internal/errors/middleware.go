package errors

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const maxLoggedBody = 500

// sensitiveFields are replaced before a request body reaches the log.
var sensitiveFields = []string{
	"licenseKey", "license_key", "deviceFingerprint", "device_fingerprint",
	"lastKnownGoodToken", "token", "api_key", "apiKey", "password", "secret",
}

// RequestLogger logs every request with a level chosen by status. Bodies of
// failed requests are logged with license keys and fingerprints redacted.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			var body []byte
			if r.Body != nil && r.ContentLength > 0 && r.ContentLength < 1<<20 {
				body, _ = io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.Int("bytes", ww.BytesWritten()),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= 400 && len(body) > 0 {
				attrs = append(attrs, slog.String("request_body", sanitizeRequestBody(body)))
			}
			logger.LogAttrs(r.Context(), level, "http request", attrs...)
		})
	}
}

// sanitizeRequestBody redacts sensitive JSON members. Non-JSON bodies are
// dropped entirely since they cannot be inspected.
func sanitizeRequestBody(body []byte) string {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return "[non-json body omitted]"
	}
	for _, field := range sensitiveFields {
		if _, ok := data[field]; ok {
			data[field] = "[REDACTED]"
		}
	}
	out, _ := json.Marshal(data)
	if len(out) > maxLoggedBody {
		return string(out[:maxLoggedBody]) + "..."
	}
	return string(out)
}
