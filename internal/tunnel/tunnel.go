// Package tunnel builds tunnel configurations and owns the OS-level tunnel
// object the interactor starts and stops.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/rennerdo30/tunnelctl/internal/relay"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// DefaultKeepalive is the persistent keepalive interval in seconds.
const DefaultKeepalive = 25

// DefaultDNS is the resolver the relay gateway serves inside the tunnel.
var DefaultDNS = netip.MustParseAddr("10.64.0.1")

// ErrNotRunning is returned when an operation needs a started tunnel.
var ErrNotRunning = errors.New("tunnel not running")

var (
	allIPv4 = netip.MustParsePrefix("0.0.0.0/0")
	allIPv6 = netip.MustParsePrefix("::/0")
)

// Tunnel is an OS-level tunnel object.
type Tunnel interface {
	Name() string
	Start(ctx context.Context) error
	Reconfigure(cfg Config) error
	Stop() error
}

// Factory creates a stopped tunnel for cfg.
type Factory func(cfg Config) (Tunnel, error)

// Config is everything needed to bring a tunnel up.
type Config struct {
	Relay         string
	PrivateKey    wgkey.PrivateKey
	PeerPublicKey wgkey.Key
	Endpoint      netip.AddrPort
	Addresses     []netip.Prefix
	AllowedIPs    []netip.Prefix
	DNS           []netip.Addr
	MTU           int
	Keepalive     int
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.Addresses = slices.Clone(c.Addresses)
	c.AllowedIPs = slices.Clone(c.AllowedIPs)
	c.DNS = slices.Clone(c.DNS)
	return c
}

// Error is a failure of a tunnel operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tunnel %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BuildConfig assembles the tunnel configuration for the selected relay.
// Missing inputs are reported as *tunnelstate.ParameterError.
func BuildConfig(selected *relay.SelectedRelays, device settings.StoredDevice, key wgkey.PrivateKey, st settings.Settings) (Config, error) {
	if selected == nil {
		return Config{}, tunnelstate.NewParameterError(tunnelstate.NoMatchingRelay)
	}
	if key.IsZero() {
		return Config{}, tunnelstate.NewParameterError(tunnelstate.NoWireGuardKey)
	}
	if !device.IPv4Address.IsValid() {
		return Config{}, tunnelstate.NewParameterError(tunnelstate.IPv4Unavailable)
	}

	cfg := Config{
		Relay:         selected.Exit.Hostname,
		PrivateKey:    key,
		PeerPublicKey: selected.Exit.PublicKey,
		Endpoint:      selected.Endpoint,
		Addresses:     []netip.Prefix{device.IPv4Address},
		AllowedIPs:    []netip.Prefix{allIPv4},
		MTU:           st.EffectiveMTU(),
		Keepalive:     DefaultKeepalive,
	}

	if st.Tunnel.EnableIPv6 {
		if !device.IPv6Address.IsValid() {
			return Config{}, tunnelstate.NewParameterError(tunnelstate.IPv6Unavailable)
		}
		cfg.Addresses = append(cfg.Addresses, device.IPv6Address)
		cfg.AllowedIPs = append(cfg.AllowedIPs, allIPv6)
	}

	if st.Tunnel.DNS.UseCustom {
		cfg.DNS = slices.Clone(st.Tunnel.DNS.Servers)
	} else {
		cfg.DNS = []netip.Addr{DefaultDNS}
	}
	return cfg, nil
}
