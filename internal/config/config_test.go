package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())

	assert.Equal(t, 72*time.Hour, cfg.OfflineGrace())
	assert.Equal(t, 15*time.Minute, cfg.ValidationCacheTTL())
	assert.Equal(t, 85.0, cfg.Licensing.BlockThreshold)
	assert.True(t, cfg.Licensing.AnomalyDetectionEnabled)
	assert.False(t, cfg.Licensing.AutoSuspendOnAnomaly)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		file        string
		env         map[string]string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults without file or env",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 72, cfg.Licensing.OfflineGracePeriodHours)
			},
		},
		{
			name: "file overrides defaults",
			file: `
server:
  port: 9090
licensing:
  offline_grace_period_hours: 24
  auto_suspend_on_anomaly: true
  plans:
    studio:
      max_devices: 7
      max_users: 2
      velocity_threshold: 900
      features: [render]
risk:
  sites:
    - cidr: 203.0.113.0/24
      name: baghdad
      lat: 33.31
      lon: 44.36
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, 24*time.Hour, cfg.OfflineGrace())
				assert.True(t, cfg.Licensing.AutoSuspendOnAnomaly)
				assert.Equal(t, 15, cfg.Licensing.ValidationCacheTTLMinutes)

				p, ok := cfg.Plan("studio")
				require.True(t, ok)
				assert.Equal(t, uint32(7), p.MaxDevices)
				assert.Equal(t, []string{"render"}, p.Features)
				require.Len(t, cfg.Risk.Sites, 1)
				assert.Equal(t, "baghdad", cfg.Risk.Sites[0].Name)
			},
		},
		{
			name: "env wins over file",
			file: "server:\n  port: 9090\n",
			env: map[string]string{
				"LICENSED_SERVER_PORT":                            "7070",
				"LICENSED_SECURITY_ADMIN_API_KEYS":                "k1,k2",
				"LICENSED_LICENSING_BLOCK_THRESHOLD":              "90",
				"LICENSED_LICENSING_VALIDATION_CACHE_TTL_MINUTES": "5",
				"LICENSED_RISK_WEIGHTS_CLONING":                   "0.5",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7070, cfg.Server.Port)
				assert.Equal(t, []string{"k1", "k2"}, cfg.Security.AdminAPIKeys)
				assert.Equal(t, 90.0, cfg.Licensing.BlockThreshold)
				assert.Equal(t, 5*time.Minute, cfg.ValidationCacheTTL())
				assert.Equal(t, 0.5, cfg.RiskSettings().Weights.Cloning)
			},
		},
		{
			name:    "postgres without dsn",
			env:     map[string]string{"LICENSED_DATABASE_DRIVER": "postgres"},
			wantErr: true,
		},
		{
			name:    "unknown log output",
			env:     map[string]string{"LICENSED_LOGGING_OUTPUT": "syslog"},
			wantErr: true,
		},
		{
			name:    "block threshold out of range",
			file:    "licensing:\n  block_threshold: 150\n",
			wantErr: true,
		},
		{
			name:    "plan without devices",
			file:    "licensing:\n  plans:\n    broken:\n      max_users: 1\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			file:    "server: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ConfigFileEnv, "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}

			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validateCfg(t, cfg)
		})
	}
}

func TestLoadFromConfigEnv(t *testing.T) {
	t.Setenv(ConfigFileEnv, writeFile(t, "server:\n  port: 6060\n"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestRiskSettings(t *testing.T) {
	cfg := Default()
	cfg.Licensing.AutoSuspendOnAnomaly = true
	cfg.Licensing.BlockThreshold = 80

	rc := cfg.RiskSettings()
	require.NoError(t, rc.Validate())
	assert.True(t, rc.AutoSuspend)
	assert.Equal(t, 80.0, rc.BlockThreshold)
	assert.Equal(t, 85.0, rc.Thresholds.Critical)
	assert.Equal(t, 5000, rc.PlanVelocity["enterprise"])
	assert.Equal(t, 0.4, rc.Weights.Cloning)
}

func TestRiskSettingsAutoSuspendNeedsDetection(t *testing.T) {
	tests := []struct {
		name      string
		detection bool
		suspend   bool
		want      bool
	}{
		{"both on", true, true, true},
		{"detection off", false, true, false},
		{"suspend off", true, false, false},
		{"both off", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Licensing.AnomalyDetectionEnabled = tt.detection
			cfg.Licensing.AutoSuspendOnAnomaly = tt.suspend
			assert.Equal(t, tt.want, cfg.RiskSettings().AutoSuspend)
		})
	}
}
