// Package app wires configuration, storage, the licensing core, telemetry
// and the HTTP server into a runnable service.
package app
