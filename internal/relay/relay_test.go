package relay

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

func testKey(t *testing.T) wgkey.Key {
	t.Helper()
	pair, err := wgkey.Generate()
	require.NoError(t, err)
	return pair.Public
}

func testRelays(t *testing.T) []Relay {
	return []Relay{
		{
			Hostname: "se-got-wg-001", CountryCode: "se", Country: "Sweden", CityCode: "got", City: "Gothenburg",
			Provider: "31173", Owned: true, Active: true, Weight: 100,
			IPv4AddrIn: netip.MustParseAddr("185.213.154.66"), IPv6AddrIn: netip.MustParseAddr("2a03:1b20:5:f011::a01f"),
			PublicKey: testKey(t),
		},
		{
			Hostname: "se-sto-wg-002", CountryCode: "se", Country: "Sweden", CityCode: "sto", City: "Stockholm",
			Provider: "M247", Active: true, Weight: 200,
			IPv4AddrIn: netip.MustParseAddr("185.65.135.2"),
			PublicKey:  testKey(t),
		},
		{
			Hostname: "de-fra-wg-001", CountryCode: "de", Country: "Germany", CityCode: "fra", City: "Frankfurt",
			Provider: "M247", Active: true, Weight: 50,
			IPv4AddrIn: netip.MustParseAddr("193.27.14.1"),
			PublicKey:  testKey(t),
		},
		{
			Hostname: "us-nyc-wg-001", CountryCode: "us", Country: "USA", CityCode: "nyc", City: "New York",
			Active: false, Weight: 999,
			IPv4AddrIn: netip.MustParseAddr("10.0.0.1"),
			PublicKey:  testKey(t),
		},
	}
}

func staticFetcher(relays []Relay, calls *atomic.Int32) Fetcher {
	return FetcherFunc(func(context.Context) ([]Relay, error) {
		if calls != nil {
			calls.Add(1)
		}
		return relays, nil
	})
}

func TestFilter(t *testing.T) {
	relays := testRelays(t)

	tests := []struct {
		name        string
		constraints settings.RelayConstraints
		want        []string
	}{
		{"any", settings.RelayConstraints{}, []string{"se-got-wg-001", "se-sto-wg-002", "de-fra-wg-001"}},
		{"country code", settings.RelayConstraints{Country: "SE"}, []string{"se-got-wg-001", "se-sto-wg-002"}},
		{"country name", settings.RelayConstraints{Country: "germany"}, []string{"de-fra-wg-001"}},
		{"city", settings.RelayConstraints{Country: "se", City: "Stockholm"}, []string{"se-sto-wg-002"}},
		{"hostname", settings.RelayConstraints{Hostname: "DE-FRA-WG-001"}, []string{"de-fra-wg-001"}},
		{"owned", settings.RelayConstraints{OwnedOnly: true}, []string{"se-got-wg-001"}},
		{"provider", settings.RelayConstraints{Providers: []string{"m247"}}, []string{"se-sto-wg-002", "de-fra-wg-001"}},
		{"inactive excluded", settings.RelayConstraints{Country: "us"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, r := range Filter(relays, tt.constraints) {
				got = append(got, r.Hostname)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelector_SelectRelays(t *testing.T) {
	s := NewSelector(staticFetcher(testRelays(t), nil))

	sel, err := s.SelectRelays(context.Background(), settings.Default())
	require.NoError(t, err)
	assert.Equal(t, "se-sto-wg-002", sel.Exit.Hostname, "highest weight wins")
	assert.Equal(t, netip.MustParseAddrPort("185.65.135.2:51820"), sel.Endpoint)
}

func TestSelector_NoMatchingRelay(t *testing.T) {
	s := NewSelector(staticFetcher(testRelays(t), nil))

	st := settings.Default()
	st.Relays.Country = "jp"
	_, err := s.SelectRelays(context.Background(), st)

	var pe *tunnelstate.ParameterError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, tunnelstate.NoMatchingRelay, pe.Reason)
}

func TestSelector_IPv6Unavailable(t *testing.T) {
	s := NewSelector(staticFetcher(testRelays(t), nil))

	st := settings.Default()
	st.Tunnel.EnableIPv6 = true
	sel, err := s.SelectRelays(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "se-got-wg-001", sel.Exit.Hostname)

	st.Relays.Country = "de"
	_, err = s.SelectRelays(context.Background(), st)
	var pe *tunnelstate.ParameterError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, tunnelstate.IPv6Unavailable, pe.Reason)
}

func TestSelector_UsesCache(t *testing.T) {
	var calls atomic.Int32
	s := NewSelector(staticFetcher(testRelays(t), &calls))

	for i := 0; i < 3; i++ {
		_, err := s.SelectRelays(context.Background(), settings.Default())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSelector_StaleFallback(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Set(testRelays(t))

	// Expire the cache
	now = now.Add(2 * time.Minute)

	failing := FetcherFunc(func(context.Context) ([]Relay, error) {
		return nil, errors.New("api unreachable")
	})
	s := NewSelector(failing, WithCache(cache))

	sel, err := s.SelectRelays(context.Background(), settings.Default())
	require.NoError(t, err)
	assert.NotEmpty(t, sel.Exit.Hostname)
}

func TestSelector_FetchFailureWithoutCache(t *testing.T) {
	failing := FetcherFunc(func(context.Context) ([]Relay, error) {
		return nil, errors.New("api unreachable")
	})
	_, err := NewSelector(failing).SelectRelays(context.Background(), settings.Default())
	require.Error(t, err)

	var pe *tunnelstate.ParameterError
	assert.False(t, errors.As(err, &pe))
}

func TestCache(t *testing.T) {
	cache := NewCache(time.Minute)
	_, ok := cache.Get()
	assert.False(t, ok)

	cache.Set(testRelays(t))
	relays, ok := cache.Get()
	require.True(t, ok)
	assert.Len(t, relays, 4)
	assert.Equal(t, 4, cache.Len())

	// Returned slice is a copy
	relays[0].Hostname = "changed"
	again, _ := cache.Get()
	assert.Equal(t, "se-got-wg-001", again[0].Hostname)

	cache.Clear()
	assert.True(t, cache.IsExpired())
	assert.Zero(t, cache.Len())
}

func TestRelay_Endpoint(t *testing.T) {
	r := testRelays(t)[0]
	assert.Equal(t, uint16(DefaultPort), r.Endpoint(false).Port())
	assert.True(t, r.Endpoint(true).Addr().Is6())

	r.Port = 443
	assert.Equal(t, uint16(443), r.Endpoint(false).Port())
}
