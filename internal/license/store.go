package license

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LicenseStore persists license records and their status history.
type LicenseStore interface {
	CreateLicense(ctx context.Context, l *License) error
	// GetLicense returns ErrNotFound for unknown ids.
	GetLicense(ctx context.Context, id uuid.UUID) (*License, error)
	// TransitionStatus moves the record from one status to another and
	// appends audit in the same unit of work. It returns ErrConflict when
	// the stored status is no longer from.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, revocationReason *string, audit AuditRecord) error
	// ReplacePayload swaps in a re-issued payload when the stored nonce
	// still equals prevNonce, and returns ErrConflict otherwise.
	ReplacePayload(ctx context.Context, id uuid.UUID, prevNonce [NonceSize]byte, next Payload, key string, at time.Time) error
	ListAudit(ctx context.Context, id uuid.UUID) ([]AuditRecord, error)

	OpenGrace(ctx context.Context, g GracePeriod) error
	// GetOpenGrace returns nil when no grace period is open.
	GetOpenGrace(ctx context.Context, id uuid.UUID) (*GracePeriod, error)
	CloseGrace(ctx context.Context, id uuid.UUID, outcome GraceOutcome, at time.Time) error

	AppendTransfer(ctx context.Context, t Transfer) error
	ListTransfers(ctx context.Context, id uuid.UUID) ([]Transfer, error)
}

// BindingStore persists device bindings. BindDevice must perform the quota
// check and the count increment as one atomic step.
type BindingStore interface {
	// BindDevice returns the existing active binding for the same
	// fingerprint unchanged, ErrQuotaExceeded when the license is full, or
	// the new binding.
	BindDevice(ctx context.Context, b DeviceBinding) (*DeviceBinding, bool, error)
	// UnbindDevice deactivates a binding and releases its seat. Unbinding an
	// inactive binding is a no-op.
	UnbindDevice(ctx context.Context, bindingID, reason string, at time.Time) (*DeviceBinding, error)
	ReleaseDevices(ctx context.Context, id uuid.UUID, reason string, at time.Time) (int, error)
	GetBinding(ctx context.Context, bindingID string) (*DeviceBinding, error)
	// FindActiveBinding returns ErrBindingNotFound when the device holds no
	// seat on the license.
	FindActiveBinding(ctx context.Context, id uuid.UUID, fingerprintHash string) (*DeviceBinding, error)
	ListBindings(ctx context.Context, id uuid.UUID, activeOnly bool) ([]DeviceBinding, error)
	TouchBinding(ctx context.Context, bindingID string, at time.Time) error
}

// EventStore is the append-only validation log. ListEvents returns events in
// arrival order.
type EventStore interface {
	AppendEvent(ctx context.Context, e ValidationEvent) error
	ListEvents(ctx context.Context, id uuid.UUID, since time.Time) ([]ValidationEvent, error)
}

// Store is everything the licensing core persists.
type Store interface {
	LicenseStore
	BindingStore
	EventStore
}
