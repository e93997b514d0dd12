package license

import (
	"errors"
	"fmt"
)

// Reason names why a validation or activation was denied. Denials are values,
// not errors: every reason here is an expected outcome.
type Reason string

const (
	ReasonMalformedKey        Reason = "MalformedKey"
	ReasonInvalidSignature    Reason = "InvalidSignature"
	ReasonExpired             Reason = "Expired"
	ReasonSuspended           Reason = "Suspended"
	ReasonRevoked             Reason = "Revoked"
	ReasonDeviceQuotaExceeded Reason = "DeviceQuotaExceeded"
	ReasonOfflineGraceExpired Reason = "OfflineGraceExpired"
	ReasonQuotaExceeded       Reason = "QuotaExceeded"
	ReasonNotFound            Reason = "NotFound"
)

// Retryable reports whether the caller can resolve the denial without an
// operator. Only an exhausted offline grace qualifies: reconnect and
// revalidate online.
func (r Reason) Retryable() bool {
	return r == ReasonOfflineGraceExpired
}

// Message is the user-facing explanation surfaced by dashboards.
func (r Reason) Message() string {
	switch r {
	case ReasonMalformedKey:
		return "The license key is not in a recognised format."
	case ReasonInvalidSignature:
		return "The license key failed signature verification."
	case ReasonExpired:
		return "The license has expired."
	case ReasonSuspended:
		return "The license is suspended."
	case ReasonRevoked:
		return "The license has been revoked."
	case ReasonDeviceQuotaExceeded, ReasonQuotaExceeded:
		return "The license has no free device seats."
	case ReasonOfflineGraceExpired:
		return "The offline grace period has elapsed. Reconnect to revalidate."
	case ReasonNotFound:
		return "The license is not known to this server."
	}
	return string(r)
}

// Fault and state errors. Anything wrapping ErrServiceUnavailable is an
// infrastructure fault and must never be reported as a decision.
var (
	ErrServiceUnavailable = errors.New("license service unavailable")
	ErrNotFound           = errors.New("license not found")
	ErrBindingNotFound    = errors.New("device binding not found")
	ErrQuotaExceeded      = errors.New("device quota exceeded")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrTerminal           = errors.New("license is revoked")
	ErrConflict           = errors.New("concurrent modification")
	ErrGraceOpen          = errors.New("grace period already open")
	ErrInvalidInput       = errors.New("invalid input")
)

// Unavailable wraps a persistence or key-material failure as a fault.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrServiceUnavailable, err)
}

// TransitionError describes a rejected lifecycle move.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() []error {
	if e.From == StatusRevoked {
		return []error{ErrInvalidTransition, ErrTerminal}
	}
	return []error{ErrInvalidTransition}
}
