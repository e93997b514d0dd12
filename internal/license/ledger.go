package license

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"licensecore/internal/ids"
)

// Ledger tracks which device fingerprints hold seats on which license.
// Fingerprints are hashed before they reach the store.
type Ledger struct {
	store   BindingStore
	hasher  *FingerprintHasher
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLedger creates a ledger over store.
func NewLedger(store BindingStore, hasher *FingerprintHasher, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		hasher: hasher,
		logger: logger.With(slog.String("component", "device_ledger")),
		now:    time.Now,
	}
}

// SetClock replaces the ledger's time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// SetMetrics attaches licensing instruments.
func (l *Ledger) SetMetrics(m *Metrics) { l.metrics = m }

// Hasher exposes the fingerprint hasher shared with the engine.
func (l *Ledger) Hasher() *FingerprintHasher { return l.hasher }

// BindDevice claims a seat for the device. Binding a device that already
// holds a seat returns its binding and created=false. A full license yields
// ErrQuotaExceeded; other failures are faults.
func (l *Ledger) BindDevice(ctx context.Context, licenseID uuid.UUID, fingerprint string, info DeviceInfo) (*DeviceBinding, bool, error) {
	now := l.now().UTC()
	b := DeviceBinding{
		ID:               ids.At(now),
		LicenseID:        licenseID,
		FingerprintHash:  l.hasher.Hash(fingerprint),
		DeviceName:       info.Name,
		HardwareDigest:   l.hasher.HardwareDigest(info),
		FirstActivatedAt: now,
		LastSeenAt:       now,
		IsActive:         true,
	}
	bound, created, err := l.store.BindDevice(ctx, b)
	switch {
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrNotFound):
		return nil, false, err
	case err != nil:
		return nil, false, Unavailable("bind device", err)
	}
	if created {
		l.logger.InfoContext(ctx, "device bound",
			slog.String("license_id", licenseID.String()),
			slog.String("binding_id", bound.ID),
		)
	}
	return bound, created, nil
}

// UnbindDevice releases the binding's seat. History is kept.
func (l *Ledger) UnbindDevice(ctx context.Context, bindingID, reason string) (*DeviceBinding, error) {
	b, err := l.store.UnbindDevice(ctx, bindingID, reason, l.now().UTC())
	if err != nil {
		if errors.Is(err, ErrBindingNotFound) {
			return nil, err
		}
		return nil, Unavailable("unbind device", err)
	}
	l.metrics.recordDeactivation(ctx, 1, reason)
	l.logger.InfoContext(ctx, "device unbound",
		slog.String("license_id", b.LicenseID.String()),
		slog.String("binding_id", bindingID),
		slog.String("reason", reason),
	)
	return b, nil
}

// FindActive returns the device's active binding or ErrBindingNotFound.
func (l *Ledger) FindActive(ctx context.Context, licenseID uuid.UUID, fingerprint string) (*DeviceBinding, error) {
	return l.findActiveHash(ctx, licenseID, l.hasher.Hash(fingerprint))
}

func (l *Ledger) findActiveHash(ctx context.Context, licenseID uuid.UUID, hash string) (*DeviceBinding, error) {
	b, err := l.store.FindActiveBinding(ctx, licenseID, hash)
	if err != nil {
		if errors.Is(err, ErrBindingNotFound) {
			return nil, err
		}
		return nil, Unavailable("find binding", err)
	}
	return b, nil
}

// Touch records that the bound device was just seen.
func (l *Ledger) Touch(ctx context.Context, bindingID string) error {
	if err := l.store.TouchBinding(ctx, bindingID, l.now().UTC()); err != nil {
		return Unavailable("touch binding", err)
	}
	return nil
}

// ListActive returns the license's active bindings.
func (l *Ledger) ListActive(ctx context.Context, licenseID uuid.UUID) ([]DeviceBinding, error) {
	return l.List(ctx, licenseID, true)
}

// List returns bindings for the license, optionally only the active ones.
func (l *Ledger) List(ctx context.Context, licenseID uuid.UUID, activeOnly bool) ([]DeviceBinding, error) {
	out, err := l.store.ListBindings(ctx, licenseID, activeOnly)
	if err != nil {
		return nil, Unavailable("list bindings", err)
	}
	return out, nil
}

// ReleaseAll deactivates every active binding on the license.
func (l *Ledger) ReleaseAll(ctx context.Context, licenseID uuid.UUID, reason string) (int, error) {
	n, err := l.store.ReleaseDevices(ctx, licenseID, reason, l.now().UTC())
	if err != nil {
		return 0, Unavailable("release devices", err)
	}
	l.metrics.recordDeactivation(ctx, n, reason)
	if n > 0 {
		l.logger.InfoContext(ctx, "devices released",
			slog.String("license_id", licenseID.String()),
			slog.Int("count", n),
			slog.String("reason", reason),
		)
	}
	return n, nil
}
