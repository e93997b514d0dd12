package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"licensecore/internal/risk"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Keys      KeysConfig      `yaml:"keys" envconfig:"KEYS"`
	Licensing LicensingConfig `yaml:"licensing" envconfig:"LICENSING"`
	Risk      RiskConfig      `yaml:"risk" envconfig:"RISK"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Advisor   AdvisorConfig   `yaml:"advisor" envconfig:"ADVISOR"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	AdminAPIKeys   []string        `yaml:"admin_api_keys" envconfig:"ADMIN_API_KEYS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig limits public endpoints per client address
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`
	Output     string `yaml:"output" envconfig:"OUTPUT"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" envconfig:"COMPRESS"`
}

// DatabaseConfig selects the license store
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER"`
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate" envconfig:"MIGRATE"`
}

// RedisConfig enables the shared assessment cache
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"ENABLED"`
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB"`
	Prefix   string `yaml:"prefix" envconfig:"PREFIX"`
}

// KeysConfig locates key material. Issuance is only enabled when a signing
// key is configured.
type KeysConfig struct {
	SigningKeyFile      string `yaml:"signing_key_file" envconfig:"SIGNING_KEY_FILE"`
	PublicKeyFile       string `yaml:"public_key_file" envconfig:"PUBLIC_KEY_FILE"`
	FingerprintSeed     string `yaml:"fingerprint_seed" envconfig:"FINGERPRINT_SEED"`
	FingerprintSeedFile string `yaml:"fingerprint_seed_file" envconfig:"FINGERPRINT_SEED_FILE"`
}

// PlanConfig holds the defaults a plan code stands for.
type PlanConfig struct {
	MaxDevices        uint32   `yaml:"max_devices" json:"max_devices"`
	MaxUsers          uint32   `yaml:"max_users" json:"max_users"`
	VelocityThreshold int      `yaml:"velocity_threshold" json:"velocity_threshold"`
	ValidityDays      int      `yaml:"validity_days" json:"validity_days"`
	Features          []string `yaml:"features" json:"features"`
}

// LicensingConfig holds the validation knobs
type LicensingConfig struct {
	OfflineGracePeriodHours   int                   `yaml:"offline_grace_period_hours" envconfig:"OFFLINE_GRACE_PERIOD_HOURS"`
	MaxDevicesPerLicense      uint32                `yaml:"max_devices_per_license" envconfig:"MAX_DEVICES_PER_LICENSE"`
	BlockThreshold            float64               `yaml:"block_threshold" envconfig:"BLOCK_THRESHOLD"`
	AnomalyDetectionEnabled   bool                  `yaml:"anomaly_detection_enabled" envconfig:"ANOMALY_DETECTION_ENABLED"`
	AutoSuspendOnAnomaly      bool                  `yaml:"auto_suspend_on_anomaly" envconfig:"AUTO_SUSPEND_ON_ANOMALY"`
	ValidationCacheTTLMinutes int                   `yaml:"validation_cache_ttl_minutes" envconfig:"VALIDATION_CACHE_TTL_MINUTES"`
	DefaultGraceDays          int                   `yaml:"default_grace_days" envconfig:"DEFAULT_GRACE_DAYS"`
	RiskCacheTTL              time.Duration         `yaml:"risk_cache_ttl" envconfig:"RISK_CACHE_TTL"`
	Plans                     map[string]PlanConfig `yaml:"plans" ignored:"true"`
}

// WeightsConfig mirrors risk.Weights with env names.
type WeightsConfig struct {
	Velocity    float64 `yaml:"velocity" envconfig:"VELOCITY"`
	Geographic  float64 `yaml:"geographic" envconfig:"GEOGRAPHIC"`
	Cloning     float64 `yaml:"cloning" envconfig:"CLONING"`
	Concurrent  float64 `yaml:"concurrent" envconfig:"CONCURRENT"`
	TimePattern float64 `yaml:"time_pattern" envconfig:"TIME_PATTERN"`
}

// LevelsConfig mirrors risk.Thresholds.
type LevelsConfig struct {
	Low      float64 `yaml:"low" envconfig:"LOW"`
	Medium   float64 `yaml:"medium" envconfig:"MEDIUM"`
	High     float64 `yaml:"high" envconfig:"HIGH"`
	Critical float64 `yaml:"critical" envconfig:"CRITICAL"`
}

// RiskConfig tunes the anomaly scorer
type RiskConfig struct {
	Window             time.Duration `yaml:"window" envconfig:"WINDOW"`
	History            time.Duration `yaml:"history" envconfig:"HISTORY"`
	VelocityThreshold  int           `yaml:"velocity_threshold" envconfig:"VELOCITY_THRESHOLD"`
	RelocationInterval time.Duration `yaml:"relocation_interval" envconfig:"RELOCATION_INTERVAL"`
	MaxTravelKmh       float64       `yaml:"max_travel_kmh" envconfig:"MAX_TRAVEL_KMH"`
	SessionLength      time.Duration `yaml:"session_length" envconfig:"SESSION_LENGTH"`
	MinHistoryEvents   int           `yaml:"min_history_events" envconfig:"MIN_HISTORY_EVENTS"`
	RareHourShare      float64       `yaml:"rare_hour_share" envconfig:"RARE_HOUR_SHARE"`
	Weights            WeightsConfig `yaml:"weights" envconfig:"WEIGHTS"`
	Levels             LevelsConfig  `yaml:"levels" envconfig:"LEVELS"`
	Sites              []risk.Site   `yaml:"sites" ignored:"true"`
}

// TelemetryConfig selects OpenTelemetry exporters
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	TracesExporter string `yaml:"traces_exporter" envconfig:"TRACES_EXPORTER"`
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
}

// AdvisorConfig points at the optional advice service
type AdvisorConfig struct {
	URL      string        `yaml:"url" envconfig:"URL"`
	APIKey   string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Attempts uint          `yaml:"attempts" envconfig:"ATTEMPTS"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT"`
}

// Load builds the configuration from defaults, the config file at path (or
// the first one found when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile overlays the YAML file onto c. Keys absent from the file keep
// their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// validate validates the configuration
func (c *Config) validate() error {
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		fail("server read and write timeouts must be positive")
	}
	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		fail("at least one allowed origin must be specified when CORS is enabled")
	}
	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		fail("rate limit rps and burst must be positive")
	}

	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		fail("logging output must be console, file or both, got %q", c.Logging.Output)
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		fail("logging file path is required for file output")
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			fail("database dsn is required for the postgres driver")
		}
	default:
		fail("database driver must be memory or postgres, got %q", c.Database.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		fail("redis addr is required when redis is enabled")
	}

	l := c.Licensing
	if l.OfflineGracePeriodHours <= 0 {
		fail("offline grace period must be positive")
	}
	if l.ValidationCacheTTLMinutes <= 0 {
		fail("validation cache ttl must be positive")
	}
	if l.MaxDevicesPerLicense == 0 {
		fail("max devices per license must be positive")
	}
	if l.BlockThreshold < 0 || l.BlockThreshold > 100 {
		fail("block threshold must be within 0..100, got %v", l.BlockThreshold)
	}
	if l.DefaultGraceDays <= 0 {
		fail("default grace days must be positive")
	}
	for code, p := range l.Plans {
		if strings.TrimSpace(code) == "" {
			fail("plan code must not be blank")
		}
		if p.MaxDevices == 0 {
			fail("plan %q: max devices must be positive", code)
		}
	}

	if err := c.RiskSettings().Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Telemetry.TracesExporter {
	case "", "none", "stdout":
	default:
		fail("traces exporter must be none or stdout, got %q", c.Telemetry.TracesExporter)
	}
	return errors.Join(errs...)
}

// OfflineGrace is the offline revalidation window.
func (c *Config) OfflineGrace() time.Duration {
	return time.Duration(c.Licensing.OfflineGracePeriodHours) * time.Hour
}

// ValidationCacheTTL is how long clients may reuse an online decision.
func (c *Config) ValidationCacheTTL() time.Duration {
	return time.Duration(c.Licensing.ValidationCacheTTLMinutes) * time.Minute
}

// Plan returns the plan defaults for code.
func (c *Config) Plan(code string) (PlanConfig, bool) {
	p, ok := c.Licensing.Plans[code]
	return p, ok
}

// RiskSettings converts the risk section into scorer configuration.
// Auto-suspension only applies while anomaly detection is enabled.
func (c *Config) RiskSettings() risk.Config {
	r := c.Risk
	cfg := risk.Config{
		Window:             r.Window,
		History:            r.History,
		VelocityThreshold:  r.VelocityThreshold,
		RelocationInterval: r.RelocationInterval,
		MaxTravelKmh:       r.MaxTravelKmh,
		SessionLength:      r.SessionLength,
		MinHistoryEvents:   r.MinHistoryEvents,
		RareHourShare:      r.RareHourShare,
		Weights:            risk.Weights(r.Weights),
		Thresholds:         risk.Thresholds(r.Levels),
		BlockThreshold:     c.Licensing.BlockThreshold,
		AutoSuspend:        c.Licensing.AnomalyDetectionEnabled && c.Licensing.AutoSuspendOnAnomaly,
		PlanVelocity:       make(map[string]int),
	}
	for code, p := range c.Licensing.Plans {
		if p.VelocityThreshold > 0 {
			cfg.PlanVelocity[code] = p.VelocityThreshold
		}
	}
	return cfg
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if p := os.Getenv(ConfigFileEnv); p != "" {
		return p
	}
	for _, location := range []string{"config.yaml", "configs/config.yaml"} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns default configuration
func Default() *Config {
	rd := risk.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  10 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "console",
			FilePath:   "logs/licensed.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			Migrate:         true,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "licensed:",
		},
		Keys: KeysConfig{
			PublicKeyFile: "keys/license_public.pem",
		},
		Licensing: LicensingConfig{
			OfflineGracePeriodHours:   DefaultOfflineGraceHours,
			MaxDevicesPerLicense:      DefaultMaxDevices,
			BlockThreshold:            DefaultBlockThreshold,
			AnomalyDetectionEnabled:   true,
			AutoSuspendOnAnomaly:      false,
			ValidationCacheTTLMinutes: DefaultValidationCacheMinutes,
			DefaultGraceDays:          DefaultGraceDays,
			RiskCacheTTL:              DefaultRiskCacheTTL,
			Plans: map[string]PlanConfig{
				"basic":      {MaxDevices: 1, MaxUsers: 1, VelocityThreshold: 100, ValidityDays: 30},
				"pro":        {MaxDevices: 3, MaxUsers: 3, VelocityThreshold: 300, ValidityDays: 365, Features: []string{"export", "api"}},
				"enterprise": {MaxDevices: 25, MaxUsers: 25, VelocityThreshold: 5000, ValidityDays: 365, Features: []string{"export", "api", "sso"}},
			},
		},
		Risk: RiskConfig{
			Window:             rd.Window,
			History:            rd.History,
			VelocityThreshold:  rd.VelocityThreshold,
			RelocationInterval: rd.RelocationInterval,
			MaxTravelKmh:       rd.MaxTravelKmh,
			SessionLength:      rd.SessionLength,
			MinHistoryEvents:   rd.MinHistoryEvents,
			RareHourShare:      rd.RareHourShare,
			Weights:            WeightsConfig(rd.Weights),
			Levels:             LevelsConfig(rd.Thresholds),
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			TracesExporter: "none",
			MetricsEnabled: true,
		},
		Advisor: AdvisorConfig{
			Timeout:  10 * time.Second,
			Attempts: 3,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
		},
	}
}
