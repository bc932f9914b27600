package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// Selector picks relays from the cached relay list.
type Selector struct {
	fetcher Fetcher
	cache   *Cache
	logger  *slog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithCache sets the relay cache.
func WithCache(cache *Cache) SelectorOption {
	return func(s *Selector) {
		s.cache = cache
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = logger
	}
}

// NewSelector creates a selector that refreshes its list through fetcher.
func NewSelector(fetcher Fetcher, opts ...SelectorOption) *Selector {
	s := &Selector{
		fetcher: fetcher,
		cache:   NewCache(DefaultCacheTTL),
		logger:  logging.WithComponent("relay"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Relays returns the relay list, refreshing it when the cache expired. A
// failed refresh falls back to the stale list if there is one.
func (s *Selector) Relays(ctx context.Context) ([]Relay, error) {
	if relays, ok := s.cache.Get(); ok {
		return relays, nil
	}

	relays, err := s.fetcher.FetchRelays(ctx)
	if err != nil {
		if stale := s.cache.Stale(); len(stale) > 0 {
			s.logger.Warn("relay list refresh failed, using stale list",
				"count", len(stale),
				"error", err,
			)
			return stale, nil
		}
		return nil, fmt.Errorf("fetch relay list: %w", err)
	}

	s.cache.Set(relays)
	s.logger.Debug("relay list refreshed", "count", len(relays))
	return relays, nil
}

// SelectRelays picks the exit relay for the given settings.
func (s *Selector) SelectRelays(ctx context.Context, st settings.Settings) (*SelectedRelays, error) {
	relays, err := s.Relays(ctx)
	if err != nil {
		return nil, err
	}

	candidates := Filter(relays, st.Relays)
	if len(candidates) == 0 {
		return nil, tunnelstate.NewParameterError(tunnelstate.NoMatchingRelay)
	}

	if st.Tunnel.EnableIPv6 {
		withIPv6 := candidates[:0:0]
		for _, r := range candidates {
			if r.IPv6AddrIn.IsValid() {
				withIPv6 = append(withIPv6, r)
			}
		}
		if len(withIPv6) == 0 {
			return nil, tunnelstate.NewParameterError(tunnelstate.IPv6Unavailable)
		}
		candidates = withIPv6
	}

	sortByWeight(candidates)
	exit := candidates[0]

	s.logger.Info("selected relay",
		"hostname", exit.Hostname,
		"candidates", len(candidates),
	)
	return &SelectedRelays{
		Exit:     exit,
		Endpoint: exit.Endpoint(false),
	}, nil
}
