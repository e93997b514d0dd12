// Package services sits between the HTTP handlers and the licensing core.
//
// LicenseService applies plan defaults at issuance, runs risk evaluation
// after online validations, serves cached risk assessments with optional
// advice, and fans out admin reads. HealthService answers liveness and
// readiness probes.
//
// Services take their collaborators through constructors and a
// *slog.Logger tagged with the service name. Domain errors pass through
// unchanged so the HTTP layer can map them to problem documents.
package services
