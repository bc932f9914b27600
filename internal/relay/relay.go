// Package relay provides the relay list model, a TTL cache for it and the
// selector that picks the relay a tunnel connects to.
package relay

import (
	"context"
	"net/netip"

	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// DefaultPort is the WireGuard port relays listen on.
const DefaultPort = 51820

// Relay is a WireGuard relay server.
type Relay struct {
	Hostname    string     `json:"hostname"`
	CountryCode string     `json:"country_code"`
	Country     string     `json:"country"`
	CityCode    string     `json:"city_code"`
	City        string     `json:"city"`
	Provider    string     `json:"provider"`
	Owned       bool       `json:"owned"`
	Active      bool       `json:"active"`
	Weight      int        `json:"weight"`
	IPv4AddrIn  netip.Addr `json:"ipv4_addr_in"`
	IPv6AddrIn  netip.Addr `json:"ipv6_addr_in,omitzero"`
	PublicKey   wgkey.Key  `json:"public_key"`
	Port        uint16     `json:"port,omitempty"`
}

// Endpoint returns the address the tunnel should send traffic to.
func (r Relay) Endpoint(ipv6 bool) netip.AddrPort {
	port := r.Port
	if port == 0 {
		port = DefaultPort
	}
	if ipv6 && r.IPv6AddrIn.IsValid() {
		return netip.AddrPortFrom(r.IPv6AddrIn, port)
	}
	return netip.AddrPortFrom(r.IPv4AddrIn, port)
}

// SelectedRelays is the result of a successful selection.
type SelectedRelays struct {
	Exit     Relay
	Endpoint netip.AddrPort
}

// Fetcher retrieves the relay list from the control plane.
type Fetcher interface {
	FetchRelays(ctx context.Context) ([]Relay, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]Relay, error)

func (f FetcherFunc) FetchRelays(ctx context.Context) ([]Relay, error) { return f(ctx) }
