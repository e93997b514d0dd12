// Package advisor asks an external service for a plain-language reading of a
// risk assessment. The service is opaque: it receives the assessment as JSON
// and answers with free text. Advice is decoration; callers degrade to none.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"licensecore/internal/risk"
)

// ErrDisabled is returned when no advice endpoint is configured.
var ErrDisabled = errors.New("advisor not configured")

// Config points the client at the advice service.
type Config struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	Attempts uint
	Delay    time.Duration
}

// Client calls the advice service.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a client. A blank URL yields a client whose Advise always
// returns ErrDisabled.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("component", "advisor")),
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && strings.TrimSpace(c.cfg.URL) != ""
}

type adviceRequest struct {
	Assessment risk.Assessment `json:"assessment"`
}

type adviceResponse struct {
	Advice string `json:"advice"`
}

// statusError is a non-2xx answer from the service.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("advisor returned %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Advise returns the service's reading of a.
func (c *Client) Advise(ctx context.Context, a risk.Assessment) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	body, err := json.Marshal(adviceRequest{Assessment: a})
	if err != nil {
		return "", fmt.Errorf("encode assessment: %w", err)
	}

	var advice string
	err = retry.Do(
		func() error {
			var err error
			advice, err = c.post(ctx, body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.DebugContext(ctx, "retrying advice request",
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		return "", err
	}
	return advice, nil
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	var out adviceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode advice: %w", err)
	}
	return strings.TrimSpace(out.Advice), nil
}
