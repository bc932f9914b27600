package tunnel

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

const (
	dnsPort         = 53
	dnsProbeQName   = "."
	defaultDNSProbe = 2 * time.Second
)

// ValidateDNSServers checks that every custom resolver is a usable unicast
// address and, when timeout is positive, that it answers a DNS query. Bad
// servers are reported together as *tunnelstate.InvalidDNSServersError.
func ValidateDNSServers(ctx context.Context, servers []netip.Addr, timeout time.Duration) error {
	return validateDNSServers(ctx, servers, dnsPort, timeout)
}

func validateDNSServers(ctx context.Context, servers []netip.Addr, port uint16, timeout time.Duration) error {
	bad := make([]bool, len(servers))

	var wg sync.WaitGroup
	for i, addr := range servers {
		if !usableResolver(addr) {
			bad[i] = true
			continue
		}
		if timeout <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			bad[i] = !probeResolver(ctx, netip.AddrPortFrom(addr, port), timeout)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	var invalid []netip.Addr
	for i, b := range bad {
		if b {
			invalid = append(invalid, servers[i])
		}
	}
	if len(invalid) > 0 {
		return &tunnelstate.InvalidDNSServersError{Servers: invalid}
	}
	return nil
}

func usableResolver(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsUnspecified() &&
		!addr.IsMulticast() &&
		!addr.IsInterfaceLocalMulticast() &&
		!(addr.Is4() && addr.As4() == [4]byte{255, 255, 255, 255})
}

// probeResolver reports whether server returns any well-formed DNS reply.
// Error rcodes still prove a resolver is listening.
func probeResolver(ctx context.Context, server netip.AddrPort, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultDNSProbe
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dnsProbeQName, dns.TypeNS)
	m.RecursionDesired = true

	client := &dns.Client{Net: "udp", Timeout: timeout}
	resp, _, err := client.ExchangeContext(ctx, m, server.String())
	return err == nil && resp != nil && resp.Id == m.Id
}
