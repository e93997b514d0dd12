package api

import "time"

// Decisions.
const (
	DecisionAccepted = "accepted"
	DecisionDenied   = "denied"
)

// Activation errors.
const (
	ActivateQuotaExceeded = "QuotaExceeded"
	ActivateInvalidKey    = "InvalidKey"
)

// ValidateResponse answers a validation. Reason is set on denials;
// CachedUntil and Token on accepted online validations; ReissuedKey when
// the stored key differs from the one presented.
type ValidateResponse struct {
	Decision    string     `json:"decision"`
	Reason      string     `json:"reason,omitempty"`
	Retryable   bool       `json:"retryable,omitempty"`
	CachedUntil *time.Time `json:"cachedUntil,omitempty"`
	Token       string     `json:"token,omitempty"`
	ReissuedKey string     `json:"reissuedKey,omitempty"`
}

// Accepted reports whether the license may be used.
func (r *ValidateResponse) Accepted() bool {
	return r != nil && r.Decision == DecisionAccepted
}

// ActivateResponse answers an activation. When the device was not bound,
// Error is ActivateQuotaExceeded or ActivateInvalidKey and Reason carries
// the engine's denial reason.
type ActivateResponse struct {
	Bound     bool   `json:"bound"`
	Created   bool   `json:"created,omitempty"`
	BindingID string `json:"bindingId,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// DeactivateResponse answers a deactivation.
type DeactivateResponse struct {
	OK bool `json:"ok"`
}

// IssueResponse carries a newly issued key.
type IssueResponse struct {
	LicenseKey string     `json:"licenseKey"`
	LicenseID  string     `json:"licenseId"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

// LicenseView is the admin representation of a license. The key itself is
// only ever returned at issuance.
type LicenseView struct {
	ID                 string     `json:"id"`
	LicenseeEmail      string     `json:"licensee_email"`
	PlanCode           string     `json:"plan_code"`
	Status             string     `json:"status"`
	MaxUsers           uint32     `json:"max_users"`
	MaxDevices         uint32     `json:"max_devices"`
	CurrentDeviceCount uint32     `json:"current_device_count"`
	Features           []string   `json:"features"`
	IssuedAt           time.Time  `json:"issued_at"`
	ExpiresAt          *time.Time `json:"expires_at"`
	RevocationReason   *string    `json:"revocation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TransitionResponse answers a lifecycle operation. Changed is false when
// the license was already in the target state.
type TransitionResponse struct {
	License LicenseView `json:"license"`
	Changed bool        `json:"changed"`
	Audit   interface{} `json:"audit,omitempty"`
	Grace   interface{} `json:"grace,omitempty"`
}

// TransferResponse answers a transfer.
type TransferResponse struct {
	License  LicenseView `json:"license"`
	Transfer interface{} `json:"transfer"`
}

// ListResponse wraps admin listings.
type ListResponse struct {
	Items interface{} `json:"items"`
	Count int         `json:"count"`
}
