package service

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, string) {
	t.Helper()
	tmpDir := t.TempDir()
	binaryPath := filepath.Join(tmpDir, "tunnelctl")
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(binaryPath, []byte("binary"), 0755))
	require.NoError(t, os.WriteFile(configPath, []byte("api: {}"), 0644))

	cfg := Config{BinaryPath: binaryPath, ConfigPath: configPath}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := New(cfg)
	require.NoError(t, err)
	return mgr, tmpDir
}

func TestNew(t *testing.T) {
	mgr, tmpDir := newTestManager(t, nil)

	assert.Equal(t, "tunnelctl", mgr.config.Name)
	assert.Equal(t, "tunnelctl WireGuard tunnel daemon", mgr.config.Description)
	assert.True(t, filepath.IsAbs(mgr.config.BinaryPath))
	assert.True(t, filepath.IsAbs(mgr.config.ConfigPath))
	assert.Equal(t, tmpDir, mgr.config.WorkingDir)
}

func TestNew_CustomName(t *testing.T) {
	mgr, _ := newTestManager(t, func(c *Config) {
		c.Name = "tunnelctl-office"
		c.Description = "Office tunnel"
	})

	assert.Equal(t, "tunnelctl-office", mgr.config.Name)
	assert.Equal(t, "Office tunnel", mgr.config.Description)
}

func TestNew_RelativePaths(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "tunnelctl"), []byte("binary"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("api: {}"), 0644))
	t.Chdir(tmpDir)

	mgr, err := New(Config{BinaryPath: "tunnelctl", ConfigPath: "config.yaml"})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(mgr.config.BinaryPath))
	assert.True(t, filepath.IsAbs(mgr.config.ConfigPath))
}

func TestPlatform(t *testing.T) {
	assert.Equal(t, runtime.GOOS, Platform())
}

func TestInstall_BinaryNotFound(t *testing.T) {
	mgr, tmpDir := newTestManager(t, nil)
	mgr.config.BinaryPath = filepath.Join(tmpDir, "nonexistent")

	err := mgr.Install()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary not found")
}

func TestInstall_ConfigNotFound(t *testing.T) {
	mgr, tmpDir := newTestManager(t, nil)
	mgr.config.ConfigPath = filepath.Join(tmpDir, "nonexistent.yaml")

	err := mgr.Install()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config not found")
}

func TestSystemdUnit(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	unit, err := mgr.SystemdUnit()
	require.NoError(t, err)
	text := string(unit)
	assert.Contains(t, text, "ExecStart="+mgr.config.BinaryPath+" run -c "+mgr.config.ConfigPath)
	assert.Contains(t, text, "ExecReload=/bin/kill -HUP $MAINPID")
	assert.Contains(t, text, "SyslogIdentifier=tunnelctl")
	assert.NotContains(t, text, "CAP_NET_ADMIN")
}

func TestSystemdUnit_TUN(t *testing.T) {
	mgr, _ := newTestManager(t, func(c *Config) { c.TUN = true })

	unit, err := mgr.SystemdUnit()
	require.NoError(t, err)
	assert.Contains(t, string(unit), "AmbientCapabilities=CAP_NET_ADMIN")
}

func TestLaunchdPlist(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	plist, err := mgr.LaunchdPlist()
	require.NoError(t, err)
	assert.Contains(t, string(plist), "<string>run</string>")
	assert.Contains(t, string(plist), "<string>"+mgr.config.ConfigPath+"</string>")
}

func TestWindowsBinPath(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	assert.Equal(t, `"`+mgr.config.BinaryPath+`" run -c "`+mgr.config.ConfigPath+`"`, mgr.WindowsBinPath())
}

func TestSystemdPath(t *testing.T) {
	mgr := &Manager{config: Config{Name: "tunnelctl"}}
	assert.Equal(t, filepath.Join("/etc/systemd/system", "tunnelctl.service"), mgr.systemdPath())
}

func TestStatus_NotInstalled(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		t.Skip("unsupported platform")
	}
	mgr := &Manager{config: Config{Name: "tunnelctl-nonexistent-service-test"}}

	status, err := mgr.Status()
	require.NoError(t, err)
	assert.Equal(t, "not installed", status)
}
