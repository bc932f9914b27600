package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.DeviceCheck.Interval = Duration(time.Hour)
	cfg.DeviceCheck.RotationInterval = Duration(7 * 24 * time.Hour)
	cfg.DeviceCheck.Backoff = BackoffConfig{
		Initial:    Duration(30 * time.Second),
		Max:        Duration(15 * time.Minute),
		Multiplier: 2,
	}
	return cfg
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
api:
  listen: "127.0.0.1:9000"
device_check:
  interval: "10m"
  rotation_interval: "72h"
  backoff:
    initial: "5s"
    max: "1m"
    multiplier: 1.5
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
	assert.Equal(t, 10*time.Minute, cfg.DeviceCheck.Interval.Duration())
	assert.Equal(t, 72*time.Hour, cfg.DeviceCheck.CheckConfig().RotationInterval)
	assert.Equal(t, 1.5, cfg.DeviceCheck.BackoffPolicy().Multiplier)

	// Unset sections keep their defaults.
	assert.Equal(t, "tcp", cfg.Connectivity.Type)
	assert.Equal(t, time.Hour, cfg.Relays.CacheTTL.Duration())
	assert.Equal(t, "netstack", cfg.Tunnel.Mode)
}

func TestDefaultConfig_RequiresDeviceCheckSchedule(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "device_check.interval is required")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no api listen", func(c *Config) { c.API.Listen = "" }, "api.listen is required"},
		{"bad api listen", func(c *Config) { c.API.Listen = "localhost" }, "host:port"},
		{"bad base url", func(c *Config) { c.ControlPlane.BaseURL = "not a url" }, "control_plane.base_url"},
		{"bad fallback", func(c *Config) { c.ControlPlane.AddressCache.Fallback = "api:443" }, "fallback"},
		{"no rotation interval", func(c *Config) { c.DeviceCheck.RotationInterval = 0 }, "rotation_interval is required"},
		{"no backoff", func(c *Config) { c.DeviceCheck.Backoff = BackoffConfig{} }, "backoff initial, max and multiplier are required"},
		{"backoff max below initial", func(c *Config) { c.DeviceCheck.Backoff.Max = Duration(time.Second) }, "device_check.backoff"},
		{"backoff multiplier below one", func(c *Config) { c.DeviceCheck.Backoff.Multiplier = 0.5 }, "device_check.backoff"},
		{"unknown probe type", func(c *Config) { c.Connectivity.Type = "icmp" }, "connectivity.type"},
		{"unknown tunnel mode", func(c *Config) { c.Tunnel.Mode = "kernel" }, "tunnel.mode"},
		{"mtu out of range", func(c *Config) { c.Tunnel.MTU = 9000 }, "tunnel.mtu"},
		{"relative list url", func(c *Config) { c.Relays.ListURL = "relays.json" }, "relays.list_url"},
		{"no storage dir", func(c *Config) { c.Storage.Dir = "" }, "storage.dir is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultConfigTemplate_IsValid(t *testing.T) {
	path := writeConfig(t, DefaultConfigTemplate)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.mullvad.net", cfg.ControlPlane.BaseURL)
	assert.Equal(t, 168*time.Hour, cfg.DeviceCheck.RotationInterval.Duration())
	assert.True(t, cfg.Metrics.Enabled)
}

func TestEnvironmentVariableExpansion(t *testing.T) {
	t.Setenv("TUNNELCTL_TEST_TOKEN", "s3cret")
	path := writeConfig(t, `
api:
  listen: "127.0.0.1:7390"
  token: "${TUNNELCTL_TEST_TOKEN}"
`)

	cfg := DefaultConfig()
	require.NoError(t, Load(path, &cfg))
	assert.Equal(t, "s3cret", cfg.API.Token)
}

func TestSaveAndBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := validConfig()
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DeviceCheck, loaded.DeviceCheck)

	backup, err := Backup(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(backup, path+".backup."))
}

func TestDerivedValues(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Dir = "/var/lib/tunnelctl"
	assert.Equal(t, filepath.Join("/var/lib/tunnelctl", "api-address.txt"), cfg.AddressCachePath())
	assert.Equal(t, "api.mullvad.net:443", cfg.ConnectivityTarget())

	cfg.ControlPlane.BaseURL = "http://127.0.0.1:8080"
	host, port, err := cfg.ControlPlaneHost()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, "8080", port)

	cfg.Connectivity.Target = "10.0.0.1:53"
	assert.Equal(t, "10.0.0.1:53", cfg.ConnectivityTarget())
}

func TestDuration_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "device_check:\n  interval: \"soon\"\n")
	cfg := DefaultConfig()
	assert.Error(t, Load(path, &cfg))
}
