package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	apierrors "licensecore/internal/errors"
	"licensecore/internal/license"
	"licensecore/internal/middleware"
	"licensecore/internal/services"
	api "licensecore/pkg/contracts/api/v1"
)

// AdminHandler serves the operator API. Every route expects an actor set by
// the API key middleware.
type AdminHandler struct {
	service   LicenseService
	validator *middleware.Validator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewAdminHandler creates the operator handler.
func NewAdminHandler(service LicenseService, v *middleware.Validator, eh *apierrors.ErrorHandler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:   service,
		validator: v,
		errors:    eh,
		logger:    logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the router mounted at /api/v1/admin/licenses. The issue
// route exists only when a signing key is loaded.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.service.CanIssue() {
		r.Post("/issue", h.Issue)
	}
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/suspend", h.withReason(h.service.Suspend))
		r.Post("/reinstate", h.withReason(h.service.Reinstate))
		r.Post("/revoke", h.withReason(h.service.Revoke))
		r.Post("/renew", h.Renew)
		r.Post("/grace", h.Grace)
		r.Post("/transfer", h.Transfer)
		r.Get("/devices", h.Devices)
		r.Get("/events", h.Events)
		r.Get("/audit", h.Audit)
		r.Get("/transfers", h.Transfers)
		r.Get("/risk", h.Risk)
	})
	return r
}

// Issue handles POST /issue.
func (h *AdminHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var body api.IssueRequest
	if err := h.validator.Decode(r, &body); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	in := services.IssueInput{
		LicenseeEmail: body.LicenseeEmail,
		PlanCode:      body.PlanCode,
		ValidityDays:  body.ValidityDays,
		Perpetual:     body.Perpetual,
		Features:      body.Features,
		Pending:       body.Pending,
	}
	if body.Limits != nil {
		in.MaxUsers = body.Limits.MaxUsers
		in.MaxDevices = body.Limits.MaxDevices
	}

	l, err := h.service.Issue(r.Context(), in)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "license issued",
		slog.String("license_id", l.ID().String()),
		slog.String("plan", l.Payload.PlanCode),
		slog.String("actor", middleware.Actor(r.Context())),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, api.IssueResponse{
		LicenseKey: l.LicenseKey,
		LicenseID:  l.ID().String(),
		Status:     string(l.Status),
		ExpiresAt:  l.Payload.ExpiresAt,
	})
}

// Get handles GET /{id}: the license with its devices, grace period and
// history.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	ov, err := h.service.Overview(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"license":   toLicenseView(ov.License),
		"devices":   ov.Devices,
		"grace":     ov.Grace,
		"audit":     ov.Audit,
		"transfers": ov.Transfers,
	})
}

type reasonOp func(ctx context.Context, id uuid.UUID, reason, actor string) (*license.Transition, error)

// withReason serves suspend, reinstate and revoke, which share a body.
func (h *AdminHandler) withReason(op reasonOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.licenseID(w, r)
		if !ok {
			return
		}
		var body api.ReasonRequest
		if err := h.validator.Decode(r, &body); err != nil {
			h.errors.HandleError(w, r, err)
			return
		}
		t, err := op(r.Context(), id, body.Reason, middleware.Actor(r.Context()))
		if err != nil {
			h.errors.HandleError(w, r, err)
			return
		}
		render.JSON(w, r, toTransitionResponse(t, nil))
	}
}

// Renew handles POST /{id}/renew.
func (h *AdminHandler) Renew(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	var body api.RenewRequest
	if err := h.validator.Decode(r, &body); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	t, err := h.service.Renew(r.Context(), id, body.ExpiresAt, body.ValidityDays, middleware.Actor(r.Context()))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toTransitionResponse(t, nil))
}

// Grace handles POST /{id}/grace.
func (h *AdminHandler) Grace(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	var body api.GraceRequest
	if err := h.validator.Decode(r, &body); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	t, g, err := h.service.StartGrace(r.Context(), id, body.Days, body.Reason, middleware.Actor(r.Context()))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toTransitionResponse(t, g))
}

// Transfer handles POST /{id}/transfer.
func (h *AdminHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	var body api.TransferRequest
	if err := h.validator.Decode(r, &body); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	l, tr, err := h.service.Transfer(r.Context(), id, body.ToEmail, middleware.Actor(r.Context()))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.TransferResponse{License: toLicenseView(l), Transfer: tr})
}

// Devices handles GET /{id}/devices?active=true.
func (h *AdminHandler) Devices(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	items, err := h.service.Devices(r.Context(), id, activeOnly)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.ListResponse{Items: items, Count: len(items)})
}

// Events handles GET /{id}/events?since=RFC3339. Without since, the last
// 24 hours are returned.
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.errors.HandleError(w, r, apierrors.NewValidationErrors([]apierrors.ValidationError{
				{Field: "since", Message: "since must be an RFC 3339 timestamp"},
			}))
			return
		}
		since = t
	}
	items, err := h.service.Events(r.Context(), id, since)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.ListResponse{Items: items, Count: len(items)})
}

// Audit handles GET /{id}/audit.
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	items, err := h.service.Audit(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.ListResponse{Items: items, Count: len(items)})
}

// Transfers handles GET /{id}/transfers.
func (h *AdminHandler) Transfers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	items, err := h.service.Transfers(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.ListResponse{Items: items, Count: len(items)})
}

// Risk handles GET /{id}/risk?advice=true.
func (h *AdminHandler) Risk(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	withAdvice, _ := strconv.ParseBool(r.URL.Query().Get("advice"))
	a, err := h.service.Risk(r.Context(), id, withAdvice)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, a)
}

func (h *AdminHandler) licenseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, apierrors.NewValidationErrors([]apierrors.ValidationError{
			{Field: "id", Message: "id must be a valid UUID"},
		}))
		return uuid.Nil, false
	}
	return id, true
}
