package http

import (
	"licensecore/internal/license"
	api "licensecore/pkg/contracts/api/v1"
)

func toDeviceInfo(h *api.HardwareInfo) license.DeviceInfo {
	if h == nil {
		return license.DeviceInfo{}
	}
	return license.DeviceInfo{
		Name:      h.DeviceName,
		OS:        h.OS,
		OSVersion: h.OSVersion,
		CPUID:     h.CPUID,
		BoardSN:   h.BoardSerial,
		DiskSN:    h.DiskSerial,
		MAC:       h.MACAddress,
	}
}

func toLicenseView(l *license.License) api.LicenseView {
	p := l.Payload
	return api.LicenseView{
		ID:                 p.LicenseID.String(),
		LicenseeEmail:      p.LicenseeEmail,
		PlanCode:           p.PlanCode,
		Status:             string(l.Status),
		MaxUsers:           p.MaxUsers,
		MaxDevices:         p.MaxDevices,
		CurrentDeviceCount: l.CurrentDeviceCount,
		Features:           p.Features.List(),
		IssuedAt:           p.IssuedAt,
		ExpiresAt:          p.ExpiresAt,
		RevocationReason:   l.RevocationReason,
		CreatedAt:          l.CreatedAt,
		UpdatedAt:          l.UpdatedAt,
	}
}

func toValidateResponse(resp *license.Response) api.ValidateResponse {
	out := api.ValidateResponse{
		Decision:    resp.Decision.Outcome(),
		CachedUntil: resp.CachedUntil,
		Token:       resp.Token,
		ReissuedKey: resp.ReissuedKey,
	}
	if !resp.Decision.Accepted {
		out.Reason = string(resp.Decision.Reason)
		out.Retryable = resp.Decision.Reason.Retryable()
	}
	return out
}

func toActivateResponse(act *license.Activation) api.ActivateResponse {
	out := api.ActivateResponse{Bound: act.Bound, Created: act.Created}
	if act.Binding != nil {
		out.BindingID = act.Binding.ID
	}
	if act.Bound {
		return out
	}
	out.Reason = string(act.Reason)
	switch act.Reason {
	case license.ReasonQuotaExceeded, license.ReasonDeviceQuotaExceeded:
		out.Error = api.ActivateQuotaExceeded
	default:
		out.Error = api.ActivateInvalidKey
	}
	return out
}

func toTransitionResponse(t *license.Transition, grace *license.GracePeriod) api.TransitionResponse {
	out := api.TransitionResponse{
		License: toLicenseView(t.License),
		Changed: t.Changed(),
	}
	if t.Audit != nil {
		out.Audit = t.Audit
	}
	if grace != nil {
		out.Grace = grace
	}
	return out
}
