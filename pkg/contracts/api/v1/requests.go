// Package api contains the request and response bodies of the v1 HTTP API.
package api

import "time"

// Validation modes.
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// HardwareInfo is the optional device description a client reports.
type HardwareInfo struct {
	DeviceName  string `json:"deviceName,omitempty" validate:"omitempty,max=128"`
	OS          string `json:"os,omitempty" validate:"omitempty,max=64"`
	OSVersion   string `json:"osVersion,omitempty" validate:"omitempty,max=64"`
	CPUID       string `json:"cpuId,omitempty" validate:"omitempty,max=128"`
	BoardSerial string `json:"boardSerial,omitempty" validate:"omitempty,max=128"`
	DiskSerial  string `json:"diskSerial,omitempty" validate:"omitempty,max=128"`
	MACAddress  string `json:"macAddress,omitempty" validate:"omitempty,max=64"`
}

// ValidateRequest is the body of POST /api/v1/licenses/validate. Keys are
// not format-checked here: a malformed key is a denial, not a bad request.
// The key length cap admits the largest key the issue route can produce
// (64 features of 64 characters and a 254 character email).
type ValidateRequest struct {
	LicenseKey         string        `json:"licenseKey" validate:"required,max=16384"`
	DeviceFingerprint  string        `json:"deviceFingerprint" validate:"required,max=512"`
	Mode               string        `json:"mode,omitempty" validate:"omitempty,oneof=online offline"`
	LastKnownGoodToken string        `json:"lastKnownGoodToken,omitempty" validate:"omitempty,max=4096"`
	HardwareInfo       *HardwareInfo `json:"hardwareInfo,omitempty"`
}

// ActivateRequest is the body of POST /api/v1/licenses/activate.
type ActivateRequest struct {
	LicenseKey        string       `json:"licenseKey" validate:"required,max=16384"`
	DeviceFingerprint string       `json:"deviceFingerprint" validate:"required,max=512"`
	DeviceInfo        HardwareInfo `json:"deviceInfo"`
}

// DeactivateRequest is the body of POST /api/v1/licenses/deactivate. The
// key proves ownership; the binding is named by id or by fingerprint.
type DeactivateRequest struct {
	LicenseKey        string `json:"licenseKey" validate:"required,max=16384"`
	BindingID         string `json:"bindingId,omitempty" validate:"required_without=DeviceFingerprint,omitempty,max=64"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty" validate:"required_without=BindingID,omitempty,max=512"`
}

// Limits overrides plan limits at issuance.
type Limits struct {
	MaxUsers   *uint32 `json:"maxUsers,omitempty" validate:"omitempty,min=1,max=100000"`
	MaxDevices *uint32 `json:"maxDevices,omitempty" validate:"omitempty,min=1,max=10000"`
}

// IssueRequest is the body of POST /api/v1/admin/licenses/issue. A nil
// validityDays takes the plan's validity; perpetual forces no expiry.
type IssueRequest struct {
	LicenseeEmail string   `json:"licenseeEmail" validate:"required,email,max=254"`
	PlanCode      string   `json:"planCode" validate:"required,planCode"`
	Limits        *Limits  `json:"limits,omitempty"`
	ValidityDays  *int     `json:"validityDays,omitempty" validate:"omitempty,min=1,max=36500"`
	Perpetual     bool     `json:"perpetual,omitempty"`
	Features      []string `json:"features,omitempty" validate:"omitempty,max=64,dive,min=1,max=64"`
	Pending       bool     `json:"pending,omitempty"`
}

// ReasonRequest carries the operator's reason for suspend, reinstate and
// revoke.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// RenewRequest extends a license either to an absolute time or by a number
// of days from now.
type RenewRequest struct {
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	ValidityDays *int       `json:"validityDays,omitempty" validate:"required_without=ExpiresAt,omitempty,min=1,max=36500"`
}

// GraceRequest opens a grace period. Zero days takes the configured default.
type GraceRequest struct {
	Days   int    `json:"days,omitempty" validate:"omitempty,min=1,max=365"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// TransferRequest moves a license to another licensee.
type TransferRequest struct {
	ToEmail string `json:"toEmail" validate:"required,email,max=254"`
}
