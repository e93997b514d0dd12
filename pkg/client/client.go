// Package client is the SDK embedded in licensed applications. It validates
// online against the licensing server and, when the server cannot be
// reached, revalidates locally from the last-known-good token within the
// offline grace window.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"licensecore/internal/license"
	api "licensecore/pkg/contracts/api/v1"
)

// ErrNoLicense is returned when no key was given and none is stored.
var ErrNoLicense = errors.New("no license key configured")

// StatusError is a non-success answer from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("license server returned %d: %s", e.Code, e.Body)
}

// Config configures a Client.
type Config struct {
	// BaseURL of the licensing server, e.g. https://licenses.example.com.
	BaseURL string
	// Fingerprint identifies this device. See DeviceFingerprint.
	Fingerprint string
	// PublicKey enables offline revalidation. Without it the client can
	// only validate online.
	PublicKey    ed25519.PublicKey
	OfflineGrace time.Duration
	Store        *FileStore

	HTTPClient *http.Client
	Attempts   uint
	Delay      time.Duration
	Logger     *slog.Logger
}

// Result is a validation outcome and where it was decided.
type Result struct {
	api.ValidateResponse
	Offline bool
}

// Client validates a license for one device.
type Client struct {
	cfg     Config
	offline *license.Engine
	tokens  *license.TokenVerifier
	logger  *slog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Fingerprint == "" {
		return nil, errors.New("device fingerprint is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 500 * time.Millisecond
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = license.DefaultEngineConfig().OfflineGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{cfg: cfg, logger: cfg.Logger.With(slog.String("component", "license-client"))}
	if len(cfg.PublicKey) > 0 {
		verifier, err := license.NewVerifier(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		c.tokens = license.NewTokenVerifier(verifier)
		c.offline = license.NewEngine(license.EngineConfig{
			OfflineGrace: cfg.OfflineGrace,
			CacheTTL:     license.DefaultEngineConfig().CacheTTL,
		}, verifier, c.logger)
	}
	return c, nil
}

// Validate checks key, or the stored key when key is empty. Online answers
// are authoritative; an unreachable or failing server falls back to the
// offline check when a public key is configured.
func (c *Client) Validate(ctx context.Context, key string) (*Result, error) {
	state, err := c.loadState()
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = state.LicenseKey
	}
	if key == "" {
		return nil, ErrNoLicense
	}

	var resp api.ValidateResponse
	err = c.call(ctx, "/api/v1/licenses/validate", api.ValidateRequest{
		LicenseKey:        key,
		DeviceFingerprint: c.cfg.Fingerprint,
		Mode:              api.ModeOnline,
	}, &resp)
	if err == nil {
		c.remember(key, &resp)
		return &Result{ValidateResponse: resp}, nil
	}
	if !retryable(err) || c.offline == nil {
		return nil, err
	}

	c.logger.WarnContext(ctx, "license server unreachable, validating offline", slog.String("error", err.Error()))
	if state.LicenseKey != "" && license.NormalizeKey(state.LicenseKey) != license.NormalizeKey(key) {
		// The stored token belongs to another key.
		state.Token = ""
	}
	return c.validateOffline(ctx, key, state.Token)
}

func (c *Client) validateOffline(ctx context.Context, key, token string) (*Result, error) {
	req := license.Request{Key: key, Fingerprint: c.cfg.Fingerprint, Mode: license.ModeOffline}
	if token != "" {
		if lkg, err := c.tokens.Parse(token); err == nil {
			req.LastKnownGood = lkg
		}
	}
	resp, err := c.offline.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &Result{Offline: true, ValidateResponse: api.ValidateResponse{
		Decision:    resp.Decision.Outcome(),
		CachedUntil: resp.CachedUntil,
	}}
	if !resp.Decision.Accepted {
		out.Reason = string(resp.Decision.Reason)
		out.Retryable = resp.Decision.Reason.Retryable()
	}
	return out, nil
}

// remember persists the key and token after an online answer. A denial
// drops the token so offline checks cannot outlive a revocation.
func (c *Client) remember(key string, resp *api.ValidateResponse) {
	if c.cfg.Store == nil {
		return
	}
	s := State{LicenseKey: key}
	if resp.ReissuedKey != "" {
		s.LicenseKey = resp.ReissuedKey
	}
	if resp.Accepted() {
		s.Token = resp.Token
		s.ValidatedAt = time.Now().UTC()
	}
	if err := c.cfg.Store.Save(s); err != nil {
		c.logger.Warn("failed to persist license state", slog.String("error", err.Error()))
	}
}

// Activate claims a seat for this device.
func (c *Client) Activate(ctx context.Context, key string, info api.HardwareInfo) (*api.ActivateResponse, error) {
	var resp api.ActivateResponse
	err := c.call(ctx, "/api/v1/licenses/activate", api.ActivateRequest{
		LicenseKey:        key,
		DeviceFingerprint: c.cfg.Fingerprint,
		DeviceInfo:        info,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Bound && c.cfg.Store != nil {
		if err := c.cfg.Store.Save(State{LicenseKey: key}); err != nil {
			c.logger.Warn("failed to persist license state", slog.String("error", err.Error()))
		}
	}
	return &resp, nil
}

// Deactivate releases this device's seat.
func (c *Client) Deactivate(ctx context.Context, key string) (bool, error) {
	var resp api.DeactivateResponse
	err := c.call(ctx, "/api/v1/licenses/deactivate", api.DeactivateRequest{
		LicenseKey:        key,
		DeviceFingerprint: c.cfg.Fingerprint,
	}, &resp)
	if err != nil {
		return false, err
	}
	if resp.OK && c.cfg.Store != nil {
		if err := c.cfg.Store.Save(State{}); err != nil {
			c.logger.Warn("failed to clear license state", slog.String("error", err.Error()))
		}
	}
	return resp.OK, nil
}

func (c *Client) loadState() (State, error) {
	if c.cfg.Store == nil {
		return State{}, nil
	}
	return c.cfg.Store.Load()
}

func (c *Client) call(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return retry.Do(
		func() error { return c.post(ctx, path, payload, out) },
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
}

func (c *Client) post(ctx context.Context, path string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return json.Unmarshal(data, out)
}

// retryable reports whether err is worth another attempt, which is also
// when offline fallback applies: transport failures, 429 and 5xx.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}
