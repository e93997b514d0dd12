package config

import "time"

const (
	AppName = "licensed"

	// EnvPrefix namespaces every environment variable, e.g.
	// LICENSED_SERVER_PORT.
	EnvPrefix = "LICENSED"

	// ConfigFileEnv names an explicit config file path.
	ConfigFileEnv = "LICENSED_CONFIG"
)

const (
	DefaultOfflineGraceHours      = 72
	DefaultValidationCacheMinutes = 15
	DefaultBlockThreshold         = 85
	DefaultMaxDevices             = 3
	DefaultGraceDays              = 14
	DefaultRiskCacheTTL           = time.Minute
)
