// Package service runs tunnelctl as a system service and installs it with
// the platform service manager.
package service

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/rennerdo30/tunnelctl/internal/version"
)

// DefaultName is the service name used when none is configured.
const DefaultName = version.Name

// Config holds service installation configuration.
type Config struct {
	// Name is the service name (e.g., "tunnelctl")
	Name string
	// Description is a human-readable service description
	Description string
	// BinaryPath is the absolute path to the executable
	BinaryPath string
	// ConfigPath is the absolute path to the config file
	ConfigPath string
	// WorkingDir is the working directory for the service
	WorkingDir string
	// TUN grants the capabilities needed to create a kernel TUN device.
	TUN bool
}

// Manager handles service installation and management.
type Manager struct {
	config Config
	out    io.Writer
}

// New creates a new service manager.
func New(cfg Config) (*Manager, error) {
	if !filepath.IsAbs(cfg.BinaryPath) {
		abs, err := filepath.Abs(cfg.BinaryPath)
		if err != nil {
			return nil, fmt.Errorf("resolve binary path: %w", err)
		}
		cfg.BinaryPath = abs
	}

	if !filepath.IsAbs(cfg.ConfigPath) {
		abs, err := filepath.Abs(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		cfg.ConfigPath = abs
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(cfg.BinaryPath)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Description == "" {
		cfg.Description = "tunnelctl WireGuard tunnel daemon"
	}

	return &Manager{config: cfg, out: os.Stdout}, nil
}

// SetOutput redirects installation messages.
func (m *Manager) SetOutput(w io.Writer) { m.out = w }

// Install installs the service on the current platform.
func (m *Manager) Install() error {
	if _, err := os.Stat(m.config.BinaryPath); err != nil {
		return fmt.Errorf("binary not found: %s", m.config.BinaryPath)
	}
	if _, err := os.Stat(m.config.ConfigPath); err != nil {
		return fmt.Errorf("config not found: %s", m.config.ConfigPath)
	}

	switch runtime.GOOS {
	case "linux":
		return m.installSystemd()
	case "darwin":
		return m.installLaunchd()
	case "windows":
		return m.installWindows()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall removes the service from the current platform.
func (m *Manager) Uninstall() error {
	switch runtime.GOOS {
	case "linux":
		return m.uninstallSystemd()
	case "darwin":
		return m.uninstallLaunchd()
	case "windows":
		return m.uninstallWindows()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Status returns the current service status.
func (m *Manager) Status() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return m.statusSystemd()
	case "darwin":
		return m.statusLaunchd()
	case "windows":
		return m.statusWindows()
	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Platform returns the current platform name.
func Platform() string {
	return runtime.GOOS
}

func render(name, text string, data any) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// --- Linux (systemd) ---

const systemdTemplate = `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} run -c {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
WorkingDirectory={{.WorkingDir}}
Restart=always
RestartSec=5
{{- if .TUN}}
AmbientCapabilities=CAP_NET_ADMIN
CapabilityBoundingSet=CAP_NET_ADMIN
{{- end}}

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`

// SystemdUnit renders the systemd unit file.
func (m *Manager) SystemdUnit() ([]byte, error) {
	return render("systemd", systemdTemplate, m.config)
}

func (m *Manager) systemdPath() string {
	return filepath.Join("/etc/systemd/system", m.config.Name+".service")
}

func (m *Manager) installSystemd() error {
	unit, err := m.SystemdUnit()
	if err != nil {
		return err
	}

	unitPath := m.systemdPath()
	if err := os.WriteFile(unitPath, unit, 0644); err != nil {
		return fmt.Errorf("write unit file: %w (try running with sudo)", err)
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}
	if err := exec.Command("systemctl", "enable", m.config.Name).Run(); err != nil {
		return fmt.Errorf("enable service: %w", err)
	}

	fmt.Fprintf(m.out, "Service installed: %s\n", unitPath)
	fmt.Fprintf(m.out, "Start with: sudo systemctl start %s\n", m.config.Name)
	return nil
}

func (m *Manager) uninstallSystemd() error {
	// Not running is fine.
	_ = exec.Command("systemctl", "stop", m.config.Name).Run()
	_ = exec.Command("systemctl", "disable", m.config.Name).Run()

	unitPath := m.systemdPath()
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}

	_ = exec.Command("systemctl", "daemon-reload").Run()

	fmt.Fprintf(m.out, "Service uninstalled: %s\n", m.config.Name)
	return nil
}

func (m *Manager) statusSystemd() (string, error) {
	if _, err := os.Stat(m.systemdPath()); os.IsNotExist(err) {
		return "not installed", nil
	}

	out, err := exec.Command("systemctl", "is-active", m.config.Name).Output()
	if err != nil {
		return "installed (inactive)", nil
	}
	return fmt.Sprintf("installed (%s)", strings.TrimSpace(string(out))), nil
}

// --- macOS (launchd) ---

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Name}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>run</string>
        <string>-c</string>
        <string>{{.ConfigPath}}</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <true/>

    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>

    <key>StandardOutPath</key>
    <string>/tmp/{{.Name}}.log</string>

    <key>StandardErrorPath</key>
    <string>/tmp/{{.Name}}.error.log</string>
</dict>
</plist>
`

// LaunchdPlist renders the launchd property list.
func (m *Manager) LaunchdPlist() ([]byte, error) {
	return render("launchd", launchdTemplate, m.config)
}

func (m *Manager) launchdPath() string {
	home, _ := os.UserHomeDir()
	userAgentPath := filepath.Join(home, "Library", "LaunchAgents", m.config.Name+".plist")

	// LaunchDaemons when writable (root), LaunchAgents otherwise.
	daemonPath := filepath.Join("/Library/LaunchDaemons", m.config.Name+".plist")
	if f, err := os.OpenFile(daemonPath, os.O_WRONLY|os.O_CREATE, 0644); err == nil {
		f.Close()
		os.Remove(daemonPath)
		return daemonPath
	}

	return userAgentPath
}

func (m *Manager) installLaunchd() error {
	plist, err := m.LaunchdPlist()
	if err != nil {
		return err
	}

	plistPath := m.launchdPath()
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(plistPath, plist, 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if err := exec.Command("launchctl", "load", plistPath).Run(); err != nil {
		return fmt.Errorf("load service: %w", err)
	}

	fmt.Fprintf(m.out, "Service installed: %s\n", plistPath)
	fmt.Fprintf(m.out, "Service is now running.\n")
	return nil
}

func (m *Manager) uninstallLaunchd() error {
	plistPath := m.launchdPath()

	_ = exec.Command("launchctl", "unload", plistPath).Run()

	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}

	fmt.Fprintf(m.out, "Service uninstalled: %s\n", m.config.Name)
	return nil
}

func (m *Manager) statusLaunchd() (string, error) {
	plistPath := m.launchdPath()
	if _, err := os.Stat(plistPath); os.IsNotExist(err) {
		return "not installed", nil
	}

	out, err := exec.Command("launchctl", "list", m.config.Name).Output()
	if err != nil || !strings.Contains(string(out), m.config.Name) {
		return "installed (not running)", nil
	}
	return "installed (running)", nil
}

// --- Windows ---

// WindowsBinPath returns the command line registered with the SCM.
func (m *Manager) WindowsBinPath() string {
	return fmt.Sprintf(`"%s" run -c "%s"`, m.config.BinaryPath, m.config.ConfigPath)
}

func (m *Manager) installWindows() error {
	cmd := exec.Command("sc", "create", m.config.Name,
		"binPath=", m.WindowsBinPath(),
		"DisplayName=", m.config.Description,
		"start=", "auto")

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create service: %w\n%s", err, string(out))
	}

	_ = exec.Command("sc", "description", m.config.Name, m.config.Description).Run()

	fmt.Fprintf(m.out, "Service installed: %s\n", m.config.Name)
	fmt.Fprintf(m.out, "Start with: sc start %s\n", m.config.Name)
	return nil
}

func (m *Manager) uninstallWindows() error {
	_ = exec.Command("sc", "stop", m.config.Name).Run()

	cmd := exec.Command("sc", "delete", m.config.Name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("delete service: %w\n%s", err, string(out))
	}

	fmt.Fprintf(m.out, "Service uninstalled: %s\n", m.config.Name)
	return nil
}

func (m *Manager) statusWindows() (string, error) {
	out, err := exec.Command("sc", "query", m.config.Name).Output()
	if err != nil {
		return "not installed", nil
	}

	output := string(out)
	switch {
	case strings.Contains(output, "RUNNING"):
		return "installed (running)", nil
	case strings.Contains(output, "STOPPED"):
		return "installed (stopped)", nil
	}
	return "installed", nil
}
