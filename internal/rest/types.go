package rest

import (
	"net/netip"
	"strings"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/relay"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// Account is the account data returned by the control plane.
type Account struct {
	ID            string    `json:"id"`
	Expiry        time.Time `json:"expiry"`
	MaxDevices    int       `json:"max_devices"`
	CanAddDevices bool      `json:"can_add_devices"`
}

// Expired reports whether the account has run out of time at now.
func (a *Account) Expired(now time.Time) bool {
	return !a.Expiry.After(now)
}

// Device is a device registered on an account.
type Device struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	PublicKey   wgkey.Key    `json:"pubkey"`
	HijackDNS   bool         `json:"hijack_dns"`
	Created     time.Time    `json:"created"`
	IPv4Address netip.Prefix `json:"ipv4_address"`
	IPv6Address netip.Prefix `json:"ipv6_address"`
}

type tokenRequest struct {
	AccountNumber string `json:"account_number"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
}

type pubkeyRequest struct {
	PublicKey wgkey.Key `json:"pubkey"`
}

// createDeviceRequest is the body of POST /accounts/v1/devices.
type createDeviceRequest struct {
	PublicKey wgkey.Key `json:"pubkey"`
	HijackDNS bool      `json:"hijack_dns"`
}

// relayListResponse is the body of GET /app/v1/relays.
type relayListResponse struct {
	Locations map[string]locationInfo `json:"locations"`
	WireGuard struct {
		Relays []relayResponse `json:"relays"`
	} `json:"wireguard"`
}

type locationInfo struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

type relayResponse struct {
	Hostname   string `json:"hostname"`
	Location   string `json:"location"`
	Active     bool   `json:"active"`
	Owned      bool   `json:"owned"`
	Provider   string `json:"provider"`
	IPv4AddrIn string `json:"ipv4_addr_in"`
	IPv6AddrIn string `json:"ipv6_addr_in"`
	PublicKey  string `json:"public_key"`
	Weight     int    `json:"weight"`
}

// toRelays converts the relay list response, dropping entries that cannot
// be used.
func (r *relayListResponse) toRelays() []relay.Relay {
	relays := make([]relay.Relay, 0, len(r.WireGuard.Relays))
	for _, rr := range r.WireGuard.Relays {
		out, ok := rr.toRelay(r.Locations)
		if !ok {
			continue
		}
		relays = append(relays, out)
	}
	return relays
}

func (rr relayResponse) toRelay(locations map[string]locationInfo) (relay.Relay, bool) {
	ipv4, err := netip.ParseAddr(rr.IPv4AddrIn)
	if err != nil || !ipv4.Is4() {
		return relay.Relay{}, false
	}
	key, err := wgkey.ParseKey(rr.PublicKey)
	if err != nil {
		return relay.Relay{}, false
	}

	out := relay.Relay{
		Hostname:   rr.Hostname,
		Provider:   rr.Provider,
		Owned:      rr.Owned,
		Active:     rr.Active,
		Weight:     rr.Weight,
		IPv4AddrIn: ipv4,
		PublicKey:  key,
	}
	if ipv6, err := netip.ParseAddr(rr.IPv6AddrIn); err == nil && ipv6.Is6() {
		out.IPv6AddrIn = ipv6
	}

	// Location codes look like "se-got"
	country, city, _ := strings.Cut(rr.Location, "-")
	out.CountryCode = country
	out.CityCode = city
	if loc, ok := locations[rr.Location]; ok {
		out.Country = loc.Country
		out.City = loc.City
	}
	return out, true
}
