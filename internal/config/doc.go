// Package config loads the service configuration.
//
// Values come from three layers, later layers winning:
//
//  1. Default()
//  2. a YAML file (config.yaml, configs/config.yaml or $LICENSED_CONFIG)
//  3. environment variables prefixed with LICENSED_
//
// Nested sections map to underscore-joined names:
//
//	LICENSED_SERVER_PORT=8080
//	LICENSED_DATABASE_DRIVER=postgres
//	LICENSED_DATABASE_DSN=postgres://...
//	LICENSED_LICENSING_OFFLINE_GRACE_PERIOD_HOURS=72
//	LICENSED_SECURITY_ADMIN_API_KEYS=key-one,key-two
//
// Plans and risk sites are structured lists and can only be set from the
// file.
package config
