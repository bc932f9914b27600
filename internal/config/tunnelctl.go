package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/devicecheck"
	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/rest"
	"github.com/rennerdo30/tunnelctl/internal/tunnel"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	Logging      logging.Config     `yaml:"logging" json:"logging"`
	API          APIConfig          `yaml:"api" json:"api"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane" json:"control_plane"`
	DeviceCheck  DeviceCheckConfig  `yaml:"device_check" json:"device_check"`
	Connectivity ConnectivityConfig `yaml:"connectivity" json:"connectivity"`
	Tunnel       TunnelConfig       `yaml:"tunnel" json:"tunnel"`
	Relays       RelaysConfig       `yaml:"relays" json:"relays"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	Token  string `yaml:"token,omitempty" json:"-"`
}

// ControlPlaneConfig configures the remote account and relay API.
type ControlPlaneConfig struct {
	BaseURL      string             `yaml:"base_url" json:"base_url"`
	Timeout      Duration           `yaml:"timeout" json:"timeout"`
	AddressCache AddressCacheConfig `yaml:"address_cache" json:"address_cache"`
}

// AddressCacheConfig configures the last-known-good API address cache.
type AddressCacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Path defaults to api-address.txt in the storage directory.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Fallback is the host:port used before any address was cached.
	Fallback string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// BackoffConfig configures retry delays after failed device checks.
type BackoffConfig struct {
	Initial    Duration `yaml:"initial" json:"initial"`
	Max        Duration `yaml:"max" json:"max"`
	Multiplier float64  `yaml:"multiplier" json:"multiplier"`
}

// DeviceCheckConfig configures the periodic account and device check. The
// interval, rotation interval and backoff have no defaults.
type DeviceCheckConfig struct {
	Interval         Duration      `yaml:"interval" json:"interval"`
	RotationInterval Duration      `yaml:"rotation_interval" json:"rotation_interval"`
	Timeout          Duration      `yaml:"timeout" json:"timeout"`
	Backoff          BackoffConfig `yaml:"backoff" json:"backoff"`
}

// ConnectivityConfig configures the control-plane reachability probe.
type ConnectivityConfig struct {
	Type     string   `yaml:"type" json:"type"`                         // tcp, http
	Target   string   `yaml:"target,omitempty" json:"target,omitempty"` // defaults to the control-plane host
	Interval Duration `yaml:"interval" json:"interval"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
}

// TunnelConfig configures the WireGuard device.
type TunnelConfig struct {
	Mode            string   `yaml:"mode" json:"mode"` // netstack, tun
	InterfaceName   string   `yaml:"interface_name,omitempty" json:"interface_name,omitempty"`
	MTU             int      `yaml:"mtu,omitempty" json:"mtu,omitempty"`
	DNSProbeTimeout Duration `yaml:"dns_probe_timeout" json:"dns_probe_timeout"`
}

// RelaysConfig configures the relay list.
type RelaysConfig struct {
	CacheTTL Duration `yaml:"cache_ttl" json:"cache_ttl"`
	ListURL  string   `yaml:"list_url,omitempty" json:"list_url,omitempty"`
}

// StorageConfig configures where state is persisted.
type StorageConfig struct {
	Dir            string `yaml:"dir" json:"dir"`
	KeyringService string `yaml:"keyring_service" json:"keyring_service"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultStorageDir returns the per-user state directory.
func DefaultStorageDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".tunnelctl")
	}
	return filepath.Join(dir, "tunnelctl")
}

// DefaultConfig returns a configuration with defaults for everything that
// has one. The device check schedule is left unset and must be configured.
func DefaultConfig() Config {
	return Config{
		Logging: logging.DefaultConfig(),
		API: APIConfig{
			Listen: "127.0.0.1:7390",
		},
		ControlPlane: ControlPlaneConfig{
			BaseURL: rest.DefaultBaseURL,
			Timeout: Duration(30 * time.Second),
			AddressCache: AddressCacheConfig{
				Enabled: true,
			},
		},
		DeviceCheck: DeviceCheckConfig{
			Timeout: Duration(30 * time.Second),
		},
		Connectivity: ConnectivityConfig{
			Type:     "tcp",
			Interval: Duration(30 * time.Second),
			Timeout:  Duration(5 * time.Second),
		},
		Tunnel: TunnelConfig{
			Mode:            string(tunnel.ModeNetstack),
			DNSProbeTimeout: Duration(2 * time.Second),
		},
		Relays: RelaysConfig{
			CacheTTL: Duration(time.Hour),
		},
		Storage: StorageConfig{
			Dir:            DefaultStorageDir(),
			KeyringService: "tunnelctl",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// BackoffPolicy returns the device check backoff.
func (c DeviceCheckConfig) BackoffPolicy() devicecheck.Backoff {
	return devicecheck.Backoff{
		Initial:    c.Backoff.Initial.Duration(),
		Max:        c.Backoff.Max.Duration(),
		Multiplier: c.Backoff.Multiplier,
	}
}

// CheckConfig returns the per-check configuration.
func (c DeviceCheckConfig) CheckConfig() devicecheck.Config {
	return devicecheck.Config{
		RotationInterval: c.RotationInterval.Duration(),
		Timeout:          c.Timeout.Duration(),
	}
}

// AddressCachePath returns the address cache file, resolved against the
// storage directory.
func (c *Config) AddressCachePath() string {
	if c.ControlPlane.AddressCache.Path != "" {
		return c.ControlPlane.AddressCache.Path
	}
	return filepath.Join(c.Storage.Dir, "api-address.txt")
}

// ControlPlaneHost returns the host and port of the control-plane base URL.
func (c *Config) ControlPlaneHost() (host, port string, err error) {
	u, err := url.Parse(c.ControlPlane.BaseURL)
	if err != nil {
		return "", "", err
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("base url %q has no host", c.ControlPlane.BaseURL)
	}
	port = u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return u.Hostname(), port, nil
}

// ConnectivityTarget returns the probe target, defaulting to the
// control-plane host.
func (c *Config) ConnectivityTarget() string {
	if c.Connectivity.Target != "" {
		return c.Connectivity.Target
	}
	host, port, err := c.ControlPlaneHost()
	if err != nil {
		return ""
	}
	return net.JoinHostPort(host, port)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.API.Listen == "" {
		return invalid("api.listen is required")
	}
	if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
		return invalid("api.listen must be in host:port format: %v", err)
	}

	if _, _, err := c.ControlPlaneHost(); err != nil {
		return invalid("control_plane.base_url: %v", err)
	}
	if c.ControlPlane.Timeout < 0 {
		return invalid("control_plane.timeout must not be negative")
	}
	if fb := c.ControlPlane.AddressCache.Fallback; fb != "" {
		if _, err := netip.ParseAddrPort(fb); err != nil {
			return invalid("control_plane.address_cache.fallback must be ip:port: %v", err)
		}
	}

	dc := c.DeviceCheck
	if dc.Interval <= 0 {
		return invalid("device_check.interval is required")
	}
	if dc.RotationInterval <= 0 {
		return invalid("device_check.rotation_interval is required")
	}
	if dc.Timeout < 0 {
		return invalid("device_check.timeout must not be negative")
	}
	if dc.Backoff.Initial <= 0 || dc.Backoff.Max <= 0 || dc.Backoff.Multiplier == 0 {
		return invalid("device_check.backoff initial, max and multiplier are required")
	}
	if err := dc.BackoffPolicy().Validate(); err != nil {
		return invalid("device_check.backoff: %v", err)
	}

	switch c.Connectivity.Type {
	case "tcp", "http", "":
	default:
		return invalid("connectivity.type must be 'tcp' or 'http', got: %s", c.Connectivity.Type)
	}
	if c.Connectivity.Interval < 0 || c.Connectivity.Timeout < 0 {
		return invalid("connectivity interval and timeout must not be negative")
	}

	if _, err := tunnel.ParseMode(c.Tunnel.Mode); err != nil {
		return invalid("tunnel.mode: %v", err)
	}
	if c.Tunnel.MTU != 0 && (c.Tunnel.MTU < 1280 || c.Tunnel.MTU > 1500) {
		return invalid("tunnel.mtu %d out of range 1280-1500", c.Tunnel.MTU)
	}
	if c.Tunnel.DNSProbeTimeout < 0 {
		return invalid("tunnel.dns_probe_timeout must not be negative")
	}

	if c.Relays.CacheTTL < 0 {
		return invalid("relays.cache_ttl must not be negative")
	}
	if c.Relays.ListURL != "" {
		if _, err := url.ParseRequestURI(c.Relays.ListURL); err != nil {
			return invalid("relays.list_url: %v", err)
		}
	}

	if c.Storage.Dir == "" {
		return invalid("storage.dir is required")
	}
	return nil
}

// LoadConfig reads, defaults and validates the daemon configuration at path.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := LoadAndValidate(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
