package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/util"
)

// ErrParseAddressCache is returned when the cache file does not hold an address.
var ErrParseAddressCache = errors.New("failed to parse the address cache file")

// AddressCache remembers the last API address that accepted a connection so
// the API stays reachable when DNS does not work. The address is persisted and
// the file is only rewritten when the address changes.
type AddressCache struct {
	hostname string
	path     string
	logger   *slog.Logger
	dialer   *net.Dialer
	lookup   func(ctx context.Context, host string) ([]netip.Addr, error)

	mu      sync.Mutex
	address netip.AddrPort
}

// NewAddressCache creates a cache for hostname seeded with address. Changes
// are written to path unless it is empty.
func NewAddressCache(hostname string, address netip.AddrPort, path string) *AddressCache {
	return &AddressCache{
		hostname: hostname,
		path:     path,
		address:  address,
		logger:   logging.WithComponent("address-cache"),
		dialer:   &net.Dialer{},
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
}

// LoadAddressCache reads the cached address from path. A missing file yields
// a cache seeded with fallback.
func LoadAddressCache(path, hostname string, fallback netip.AddrPort) (*AddressCache, error) {
	c := NewAddressCache(hostname, fallback, path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to open the address cache file: %w", err)
	}
	addr, err := netip.ParseAddrPort(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseAddressCache, err)
	}

	c.address = addr
	c.logger.Debug("loaded API address", "path", path, "address", addr)
	return c, nil
}

// Hostname returns the API hostname the cache serves.
func (c *AddressCache) Hostname() string { return c.hostname }

// Address returns the currently selected address.
func (c *AddressCache) Address() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// SetAddress selects a new address. The file is written first; if that fails
// the previous address stays selected.
func (c *AddressCache) SetAddress(addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if addr == c.address {
		return nil
	}
	if c.path != "" {
		if err := util.WriteFileAtomic(c.path, []byte(addr.String()+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to update the address cache file: %w", err)
		}
	}
	c.address = addr
	return nil
}

// Resolve returns the cached address when host is the API hostname.
func (c *AddressCache) Resolve(host string) (netip.AddrPort, bool) {
	if !strings.EqualFold(host, c.hostname) {
		return netip.AddrPort{}, false
	}
	addr := c.Address()
	return addr, addr.IsValid()
}

// DialContext dials addr, routing the API hostname to the cached address. If
// the cached address fails, the hostname is resolved and the first address
// that accepts the connection becomes the new cached address.
func (c *AddressCache) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil || !strings.EqualFold(host, c.hostname) {
		return c.dialer.DialContext(ctx, network, addr)
	}

	var firstErr error
	if cached := c.Address(); cached.IsValid() {
		conn, err := c.dialer.DialContext(ctx, network, cached.String())
		if err == nil {
			return conn, nil
		}
		firstErr = err
		c.logger.Debug("cached API address failed", "address", cached, "error", err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	ips, err := c.lookup(ctx, host)
	if err != nil {
		if firstErr != nil {
			return nil, errors.Join(firstErr, err)
		}
		return nil, err
	}

	for _, ip := range ips {
		candidate := netip.AddrPortFrom(ip.Unmap(), uint16(port))
		conn, err := c.dialer.DialContext(ctx, network, candidate.String())
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := c.SetAddress(candidate); err != nil {
			c.logger.Warn("failed to save API address", "error", err)
		} else {
			c.logger.Info("updated API address", "address", candidate)
		}
		return conn, nil
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, firstErr
}
