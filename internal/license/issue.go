package license

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IssueRequest describes a new entitlement. A nil ExpiresAt issues a
// perpetual license.
type IssueRequest struct {
	LicenseeEmail string
	PlanCode      string
	MaxUsers      uint32
	MaxDevices    uint32
	Features      []string
	ExpiresAt     *time.Time
	// Pending leaves the record pending until its first device activates.
	Pending bool
}

// Issuer signs and records new licenses. It only exists where the private
// key is loaded.
type Issuer struct {
	signer  *Signer
	store   LicenseStore
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewIssuer creates an issuer. A nil signer is refused so issuance can never
// be wired without key material.
func NewIssuer(signer *Signer, store LicenseStore, logger *slog.Logger) (*Issuer, error) {
	if signer == nil {
		return nil, ErrNoSigningKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		signer: signer,
		store:  store,
		logger: logger.With(slog.String("component", "issuer")),
		now:    time.Now,
	}, nil
}

// SetClock replaces the issuer's time source.
func (is *Issuer) SetClock(now func() time.Time) { is.now = now }

// SetMetrics attaches licensing instruments.
func (is *Issuer) SetMetrics(m *Metrics) { is.metrics = m }

// Issue signs a fresh payload and stores the record.
func (is *Issuer) Issue(ctx context.Context, req IssueRequest) (*License, error) {
	email := strings.TrimSpace(req.LicenseeEmail)
	if email == "" || strings.TrimSpace(req.PlanCode) == "" {
		return nil, fmt.Errorf("%w: licensee email and plan code are required", ErrInvalidInput)
	}
	if req.MaxDevices == 0 {
		return nil, fmt.Errorf("%w: max devices must be positive", ErrInvalidInput)
	}

	now := is.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}
	p, err := NewPayload(uuid.New(), req.PlanCode, email, req.MaxUsers, req.MaxDevices, req.Features, now, req.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	key, err := is.signer.Issue(p)
	if err != nil {
		return nil, err
	}

	status := StatusActive
	if req.Pending {
		status = StatusPending
	}
	l := &License{
		Payload:    p,
		LicenseKey: key,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := is.store.CreateLicense(ctx, l); err != nil {
		return nil, Unavailable("store license", err)
	}
	is.metrics.recordIssued(ctx, "new")
	is.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", p.LicenseID.String()),
		slog.String("plan", p.PlanCode),
		slog.Int("max_devices", int(p.MaxDevices)),
		slog.String("license_key", MaskKey(key)),
	)
	return l, nil
}
