package errors

import (
	"context"
	"errors"
	"net/http"

	"licensecore/internal/license"
)

// MapLicenseError converts a domain error into a problem. The second return
// is false when err carries no known sentinel, leaving the caller to treat
// it as an internal error. Fault details never reach the detail text: the
// wrapped cause may name hosts or DSNs.
func MapLicenseError(err error, instance string) (*ProblemDetails, bool) {
	switch {
	case err == nil:
		return nil, false
	case errors.Is(err, license.ErrServiceUnavailable):
		return NewProblemDetails(http.StatusServiceUnavailable, TypeServiceDown,
			"Service Unavailable",
			"The licensing service is temporarily unavailable. Retry later.",
			instance).WithExtension("retryable", true), true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			instance), true
	case errors.Is(err, license.ErrNotFound):
		return NewProblemDetails(http.StatusNotFound, TypeLicenseNotFound,
			"License Not Found", license.ReasonNotFound.Message(), instance).
			WithExtension("reason", license.ReasonNotFound), true
	case errors.Is(err, license.ErrBindingNotFound):
		return NewProblemDetails(http.StatusNotFound, TypeBindingNotFound,
			"Device Binding Not Found", "No active binding matches the request.", instance), true
	case errors.Is(err, license.ErrTerminal):
		return NewProblemDetails(http.StatusConflict, TypeLicenseRevoked,
			"License Revoked", license.ReasonRevoked.Message(), instance).
			WithExtension("reason", license.ReasonRevoked), true
	case errors.Is(err, license.ErrInvalidTransition):
		p := NewProblemDetails(http.StatusConflict, TypeInvalidTransition,
			"Invalid Status Transition", err.Error(), instance)
		var te *license.TransitionError
		if errors.As(err, &te) {
			p.WithExtension("from", te.From).WithExtension("to", te.To)
		}
		return p, true
	case errors.Is(err, license.ErrQuotaExceeded):
		return NewProblemDetails(http.StatusConflict, TypeDeviceQuotaExceeded,
			"Device Quota Exceeded", license.ReasonDeviceQuotaExceeded.Message(), instance).
			WithExtension("reason", license.ReasonDeviceQuotaExceeded), true
	case errors.Is(err, license.ErrGraceOpen):
		return NewProblemDetails(http.StatusConflict, TypeGraceAlreadyOpen,
			"Grace Period Already Open", "The license already has an open grace period.", instance), true
	case errors.Is(err, license.ErrConflict):
		return NewProblemDetails(http.StatusConflict, TypeConcurrentModified,
			"Conflict", "The license was modified concurrently. Retry the request.", instance), true
	case errors.Is(err, license.ErrMalformedKey), errors.Is(err, license.ErrInvalidSignature):
		return NewProblemDetails(http.StatusBadRequest, TypeMalformedKey,
			"Invalid License Key", license.ReasonMalformedKey.Message(), instance), true
	case errors.Is(err, license.ErrInvalidInput):
		return NewProblemDetails(http.StatusBadRequest, TypeInvalidLicenseParams,
			"Invalid Parameters", err.Error(), instance), true
	case errors.Is(err, license.ErrNoSigningKey):
		return NewProblemDetails(http.StatusNotImplemented, TypeNotSupported,
			"Issuance Disabled", "No signing key is loaded on this server.", instance), true
	}
	return nil, false
}
