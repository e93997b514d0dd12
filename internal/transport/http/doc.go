// Package http exposes the licensing service over a chi router: the public
// validation endpoints used by clients, the admin API guarded by API keys,
// health probes, Prometheus metrics and the dashboard feed.
//
// Handlers only decode, validate and render. Denials are rendered as normal
// responses with a reason; errors go through the RFC 7807 error handler.
package http
