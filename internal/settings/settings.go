// Package settings holds the persisted user settings and device state of the
// tunnel controller together with the stores that persist them.
package settings

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
)

// DefaultMTU is the tunnel MTU used when none is configured.
const DefaultMTU = 1380

// ErrInvalidSettings is returned by Validate.
var ErrInvalidSettings = errors.New("invalid settings")

// RelayConstraints narrows the relays the selector may pick.
type RelayConstraints struct {
	Country   string   `yaml:"country,omitempty" json:"country,omitempty"`
	City      string   `yaml:"city,omitempty" json:"city,omitempty"`
	Hostname  string   `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	Providers []string `yaml:"providers,omitempty" json:"providers,omitempty"`
	OwnedOnly bool     `yaml:"owned_only,omitempty" json:"owned_only,omitempty"`
}

// DNSOptions configures custom resolvers inside the tunnel.
type DNSOptions struct {
	UseCustom bool         `yaml:"use_custom" json:"use_custom"`
	Servers   []netip.Addr `yaml:"servers,omitempty" json:"servers,omitempty"`
}

// TunnelOptions are the tunnel parameters the user controls.
type TunnelOptions struct {
	MTU        int        `yaml:"mtu,omitempty" json:"mtu,omitempty"`
	EnableIPv6 bool       `yaml:"enable_ipv6" json:"enable_ipv6"`
	DNS        DNSOptions `yaml:"dns" json:"dns"`
}

// Settings is the complete user settings value.
type Settings struct {
	Relays RelayConstraints `yaml:"relays" json:"relays"`
	Tunnel TunnelOptions    `yaml:"tunnel" json:"tunnel"`
}

// Default returns the settings used before the user changed anything.
func Default() Settings {
	return Settings{
		Tunnel: TunnelOptions{MTU: DefaultMTU},
	}
}

// Validate checks the settings for values the tunnel cannot use.
func (s Settings) Validate() error {
	if s.Tunnel.MTU != 0 && (s.Tunnel.MTU < 1280 || s.Tunnel.MTU > 1500) {
		return fmt.Errorf("%w: mtu %d out of range 1280-1500", ErrInvalidSettings, s.Tunnel.MTU)
	}
	if s.Tunnel.DNS.UseCustom && len(s.Tunnel.DNS.Servers) == 0 {
		return fmt.Errorf("%w: custom dns enabled without servers", ErrInvalidSettings)
	}
	for _, addr := range s.Tunnel.DNS.Servers {
		if !addr.IsValid() {
			return fmt.Errorf("%w: invalid dns server address", ErrInvalidSettings)
		}
	}
	if s.Relays.City != "" && s.Relays.Country == "" {
		return fmt.Errorf("%w: city constraint requires a country", ErrInvalidSettings)
	}
	return nil
}

// EffectiveMTU returns the MTU to configure on the tunnel device.
func (s Settings) EffectiveMTU() int {
	if s.Tunnel.MTU == 0 {
		return DefaultMTU
	}
	return s.Tunnel.MTU
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	s.Relays.Providers = slices.Clone(s.Relays.Providers)
	s.Tunnel.DNS.Servers = slices.Clone(s.Tunnel.DNS.Servers)
	return s
}
