package relay

import (
	"slices"
	"strings"

	"github.com/rennerdo30/tunnelctl/internal/settings"
)

// Filter returns the active relays matching the constraints.
func Filter(relays []Relay, c settings.RelayConstraints) []Relay {
	var result []Relay //nolint:prealloc // Size unknown due to filtering

	for _, r := range relays {
		if !r.Active || !r.IPv4AddrIn.IsValid() || r.PublicKey.IsZero() {
			continue
		}

		// Specific hostname wins over location
		if c.Hostname != "" && !strings.EqualFold(r.Hostname, c.Hostname) {
			continue
		}
		if c.Country != "" && !strings.EqualFold(r.CountryCode, c.Country) && !strings.EqualFold(r.Country, c.Country) {
			continue
		}
		if c.City != "" && !strings.EqualFold(r.CityCode, c.City) && !strings.EqualFold(r.City, c.City) {
			continue
		}
		if c.OwnedOnly && !r.Owned {
			continue
		}
		if len(c.Providers) > 0 && !slices.ContainsFunc(c.Providers, func(p string) bool {
			return strings.EqualFold(p, r.Provider)
		}) {
			continue
		}

		result = append(result, r)
	}
	return result
}

// sortByWeight orders relays by descending weight, hostname as tie breaker.
func sortByWeight(relays []Relay) {
	slices.SortStableFunc(relays, func(a, b Relay) int {
		if a.Weight != b.Weight {
			return b.Weight - a.Weight
		}
		return strings.Compare(a.Hostname, b.Hostname)
	})
}
