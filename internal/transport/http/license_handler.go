package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	apierrors "licensecore/internal/errors"
	"licensecore/internal/license"
	"licensecore/internal/middleware"
	"licensecore/internal/risk"
	"licensecore/internal/services"
	api "licensecore/pkg/contracts/api/v1"
)

// LicenseService is the part of services.LicenseService the handlers use.
type LicenseService interface {
	Validate(ctx context.Context, req license.Request) (*license.Response, error)
	Activate(ctx context.Context, req license.ActivateRequest) (*license.Activation, error)
	Deactivate(ctx context.Context, req license.DeactivateRequest) (bool, error)

	CanIssue() bool
	Issue(ctx context.Context, in services.IssueInput) (*license.License, error)
	Overview(ctx context.Context, id uuid.UUID) (*services.Overview, error)
	Suspend(ctx context.Context, id uuid.UUID, reason, actor string) (*license.Transition, error)
	Reinstate(ctx context.Context, id uuid.UUID, reason, actor string) (*license.Transition, error)
	Revoke(ctx context.Context, id uuid.UUID, reason, actor string) (*license.Transition, error)
	Renew(ctx context.Context, id uuid.UUID, expiresAt *time.Time, validityDays *int, actor string) (*license.Transition, error)
	StartGrace(ctx context.Context, id uuid.UUID, days int, reason, actor string) (*license.Transition, *license.GracePeriod, error)
	Transfer(ctx context.Context, id uuid.UUID, toEmail, actor string) (*license.License, *license.Transfer, error)
	Devices(ctx context.Context, id uuid.UUID, activeOnly bool) ([]license.DeviceBinding, error)
	Events(ctx context.Context, id uuid.UUID, since time.Time) ([]license.ValidationEvent, error)
	Audit(ctx context.Context, id uuid.UUID) ([]license.AuditRecord, error)
	Transfers(ctx context.Context, id uuid.UUID) ([]license.Transfer, error)
	Risk(ctx context.Context, id uuid.UUID, withAdvice bool) (*risk.Assessment, error)
}

// TokenParser verifies last-known-good tokens presented for offline
// revalidation.
type TokenParser interface {
	Parse(token string) (*license.LastKnownGood, error)
}

// LicenseHandler serves the client-facing endpoints.
type LicenseHandler struct {
	service   LicenseService
	tokens    TokenParser
	validator *middleware.Validator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewLicenseHandler creates the client-facing handler. tokens may be nil, in
// which case offline validations are always outside grace.
func NewLicenseHandler(service LicenseService, tokens TokenParser, v *middleware.Validator, eh *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		tokens:    tokens,
		validator: v,
		errors:    eh,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the router mounted at /api/v1/licenses.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/validate", h.Validate)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	return r
}

// Validate handles POST /api/v1/licenses/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var body api.ValidateRequest
	if err := h.validator.Decode(r, &body); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	req := license.Request{
		Key:         body.LicenseKey,
		Fingerprint: body.DeviceFingerprint,
		Mode:        license.ModeOnline,
		IPAddress:   middleware.ClientIP(r),
		Hardware:    toDeviceInfo(body.HardwareInfo),
	}
	if body.Mode == api.ModeOffline {
		req.Mode = license.ModeOffline
	}
	if body.LastKnownGoodToken != "" && h.tokens != nil {
		lkg, err := h.tokens.Parse(body.LastKnownGoodToken)
		if err != nil {
			// An unverifiable token is treated as absent.
			h.logger.WarnContext(r.Context(), "rejected last-known-good token",
				slog.String("error", err.Error()))
		} else {
			req.LastKnownGood = lkg
		}
	}

	resp, err := h.service.Validate(r.Context(), req)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toValidateResponse(resp))
}

// Activate handles POST /api/v1/licenses/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var body api.ActivateRequest
	if err := h.validator.Decode(r, &body); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	act, err := h.service.Activate(r.Context(), license.ActivateRequest{
		Key:         body.LicenseKey,
		Fingerprint: body.DeviceFingerprint,
		Device:      toDeviceInfo(&body.DeviceInfo),
		IPAddress:   middleware.ClientIP(r),
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	if act.Created {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, toActivateResponse(act))
}

// Deactivate handles POST /api/v1/licenses/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var body api.DeactivateRequest
	if err := h.validator.Decode(r, &body); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	ok, err := h.service.Deactivate(r.Context(), license.DeactivateRequest{
		Key:         body.LicenseKey,
		BindingID:   body.BindingID,
		Fingerprint: body.DeviceFingerprint,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.DeactivateResponse{OK: ok})
}
