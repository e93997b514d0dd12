package license

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a license record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusGrace     Status = "grace"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusGrace, StatusSuspended, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// License is the mutable server-side record wrapping the signed payload.
// Records are never deleted.
type License struct {
	Payload            Payload   `json:"payload"`
	LicenseKey         string    `json:"-"`
	Status             Status    `json:"status"`
	RevocationReason   *string   `json:"revocation_reason,omitempty"`
	CurrentDeviceCount uint32    `json:"current_device_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ID is shorthand for the payload's license id.
func (l *License) ID() uuid.UUID {
	return l.Payload.LicenseID
}

// HasDeviceCapacity reports whether another device may be bound.
func (l *License) HasDeviceCapacity() bool {
	return l.CurrentDeviceCount < l.Payload.MaxDevices
}

// DeviceInfo is the client-reported hardware description of a device.
type DeviceInfo struct {
	Name      string `json:"device_name,omitempty" validate:"omitempty,max=128"`
	OS        string `json:"os,omitempty" validate:"omitempty,max=64"`
	OSVersion string `json:"os_version,omitempty" validate:"omitempty,max=64"`
	CPUID     string `json:"cpu_id,omitempty" validate:"omitempty,max=128"`
	BoardSN   string `json:"board_serial,omitempty" validate:"omitempty,max=128"`
	DiskSN    string `json:"disk_serial,omitempty" validate:"omitempty,max=128"`
	MAC       string `json:"mac_address,omitempty" validate:"omitempty,max=64"`
}

// Empty reports whether no hardware fields were provided.
func (d DeviceInfo) Empty() bool {
	return d.CPUID == "" && d.BoardSN == "" && d.DiskSN == "" && d.MAC == "" && d.OS == ""
}

// DeviceBinding ties one device fingerprint to a license seat. At most one
// active binding exists per (license, fingerprint hash); bindings are never
// deleted.
type DeviceBinding struct {
	ID                 string     `json:"id"`
	LicenseID          uuid.UUID  `json:"license_id"`
	FingerprintHash    string     `json:"device_fingerprint_hash"`
	DeviceName         string     `json:"device_name"`
	HardwareDigest     string     `json:"hardware_digest,omitempty"`
	FirstActivatedAt   time.Time  `json:"first_activated_at"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
	IsActive           bool       `json:"is_active"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
}

// Mode selects between live validation and cached offline revalidation.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Result is the outcome recorded on a validation event.
type Result string

const (
	ResultAccepted Result = "accepted"
	ResultRejected Result = "rejected"
)

// ValidationEvent is an append-only record of one terminal decision.
type ValidationEvent struct {
	ID              string    `json:"id"`
	LicenseID       uuid.UUID `json:"license_id"`
	FingerprintHash string    `json:"device_fingerprint_hash"`
	HardwareDigest  string    `json:"hardware_digest,omitempty"`
	IPAddress       string    `json:"ip_address"`
	Mode            Mode      `json:"mode"`
	Timestamp       time.Time `json:"timestamp"`
	Result          Result    `json:"result"`
	RejectReason    *Reason   `json:"reject_reason,omitempty"`
}

// AuditRecord is emitted by every lifecycle transition.
type AuditRecord struct {
	ID        string    `json:"id"`
	LicenseID uuid.UUID `json:"license_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// GraceOutcome records how a grace period closed.
type GraceOutcome string

const (
	GraceRenewed GraceOutcome = "renewed"
	GraceExpired GraceOutcome = "expired"
	GraceRevoked GraceOutcome = "revoked"
)

// GracePeriod is a bounded extension after expiry. At most one is open per
// license.
type GracePeriod struct {
	LicenseID uuid.UUID     `json:"license_id"`
	StartedAt time.Time     `json:"started_at"`
	EndsAt    time.Time     `json:"ends_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
	Outcome   *GraceOutcome `json:"outcome,omitempty"`
}

// OpenAt reports whether the grace period still admits validations at t.
func (g *GracePeriod) OpenAt(t time.Time) bool {
	return g != nil && g.ClosedAt == nil && !t.After(g.EndsAt)
}

// Transfer records one ownership move.
type Transfer struct {
	ID        string    `json:"id"`
	LicenseID uuid.UUID `json:"license_id"`
	FromEmail string    `json:"from_email"`
	ToEmail   string    `json:"to_email"`
	Actor     string    `json:"actor"`
	At        time.Time `json:"at"`
}
