package tunnelstate

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// CauseKind tags the variant held by an ErrorStateCause.
type CauseKind uint8

const (
	CauseAuthFailed CauseKind = iota
	CauseIPv6Unavailable
	CauseFirewallPolicyError
	CauseDNSError
	CauseInvalidDNSServers
	CauseStartTunnelError
	CauseTunnelParameterError
	CauseIsOffline
	CauseVPNPermissionDenied
)

var causeNames = map[CauseKind]string{
	CauseAuthFailed:           "auth_failed",
	CauseIPv6Unavailable:      "ipv6_unavailable",
	CauseFirewallPolicyError:  "firewall_policy_error",
	CauseDNSError:             "dns_error",
	CauseInvalidDNSServers:    "invalid_dns_servers",
	CauseStartTunnelError:     "start_tunnel_error",
	CauseTunnelParameterError: "tunnel_parameter_error",
	CauseIsOffline:            "is_offline",
	CauseVPNPermissionDenied:  "vpn_permission_denied",
}

func (k CauseKind) String() string {
	if name, ok := causeNames[k]; ok {
		return name
	}
	return fmt.Sprintf("cause(%d)", uint8(k))
}

// ErrorStateCause explains why the tunnel is in the error state.
//
// Only the field matching Kind is meaningful: Auth for CauseAuthFailed,
// Parameter for CauseTunnelParameterError and DNSServers for
// CauseInvalidDNSServers. Build values with the constructors below.
type ErrorStateCause struct {
	kind       CauseKind
	auth       AuthFailedError
	parameter  ParameterGenerationError
	dnsServers []netip.Addr
}

func AuthFailed(reason AuthFailedError) ErrorStateCause {
	return ErrorStateCause{kind: CauseAuthFailed, auth: reason}
}

func IPv6UnavailableCause() ErrorStateCause {
	return ErrorStateCause{kind: CauseIPv6Unavailable}
}

func FirewallPolicyError() ErrorStateCause {
	return ErrorStateCause{kind: CauseFirewallPolicyError}
}

func DNSError() ErrorStateCause {
	return ErrorStateCause{kind: CauseDNSError}
}

// InvalidDNSServers carries the offending resolver addresses for diagnostics.
func InvalidDNSServers(servers []netip.Addr) ErrorStateCause {
	return ErrorStateCause{kind: CauseInvalidDNSServers, dnsServers: slices.Clone(servers)}
}

func StartTunnelError() ErrorStateCause {
	return ErrorStateCause{kind: CauseStartTunnelError}
}

func TunnelParameterError(reason ParameterGenerationError) ErrorStateCause {
	return ErrorStateCause{kind: CauseTunnelParameterError, parameter: reason}
}

func IsOffline() ErrorStateCause {
	return ErrorStateCause{kind: CauseIsOffline}
}

func VPNPermissionDenied() ErrorStateCause {
	return ErrorStateCause{kind: CauseVPNPermissionDenied}
}

// Kind returns the variant tag.
func (c ErrorStateCause) Kind() CauseKind { return c.kind }

// AuthReason returns the auth failure reason if Kind is CauseAuthFailed.
func (c ErrorStateCause) AuthReason() (AuthFailedError, bool) {
	return c.auth, c.kind == CauseAuthFailed
}

// ParameterReason returns the parameter error if Kind is CauseTunnelParameterError.
func (c ErrorStateCause) ParameterReason() (ParameterGenerationError, bool) {
	return c.parameter, c.kind == CauseTunnelParameterError
}

// DNSServers returns a copy of the offending servers if Kind is CauseInvalidDNSServers.
func (c ErrorStateCause) DNSServers() ([]netip.Addr, bool) {
	return slices.Clone(c.dnsServers), c.kind == CauseInvalidDNSServers
}

// Equal reports whether two causes hold the same variant and data.
func (c ErrorStateCause) Equal(o ErrorStateCause) bool {
	if c.kind != o.kind {
		return false
	}
	switch c.kind {
	case CauseAuthFailed:
		return c.auth == o.auth
	case CauseTunnelParameterError:
		return c.parameter == o.parameter
	case CauseInvalidDNSServers:
		return slices.Equal(c.dnsServers, o.dnsServers)
	case CauseIPv6Unavailable, CauseFirewallPolicyError, CauseDNSError,
		CauseStartTunnelError, CauseIsOffline, CauseVPNPermissionDenied:
		return true
	}
	return false
}

// String renders the cause for logs.
func (c ErrorStateCause) String() string {
	switch c.kind {
	case CauseAuthFailed:
		return fmt.Sprintf("%s(%s)", c.kind, c.auth)
	case CauseTunnelParameterError:
		return fmt.Sprintf("%s(%s)", c.kind, c.parameter)
	case CauseInvalidDNSServers:
		addrs := make([]string, len(c.dnsServers))
		for i, a := range c.dnsServers {
			addrs[i] = a.String()
		}
		return fmt.Sprintf("%s(%s)", c.kind, strings.Join(addrs, ","))
	case CauseIPv6Unavailable, CauseFirewallPolicyError, CauseDNSError,
		CauseStartTunnelError, CauseIsOffline, CauseVPNPermissionDenied:
		return c.kind.String()
	}
	return c.kind.String()
}

type causeJSON struct {
	Kind       string                    `json:"kind"`
	AuthFailed *AuthFailedError          `json:"auth_failed,omitempty"`
	Parameter  *ParameterGenerationError `json:"parameter_error,omitempty"`
	DNSServers []netip.Addr              `json:"dns_servers,omitempty"`
}

// MarshalJSON encodes the cause as a tagged payload.
func (c ErrorStateCause) MarshalJSON() ([]byte, error) {
	name, ok := causeNames[c.kind]
	if !ok {
		return nil, fmt.Errorf("invalid error cause %d", uint8(c.kind))
	}
	out := causeJSON{Kind: name}
	switch c.kind {
	case CauseAuthFailed:
		auth := c.auth
		out.AuthFailed = &auth
	case CauseTunnelParameterError:
		p := c.parameter
		out.Parameter = &p
	case CauseInvalidDNSServers:
		out.DNSServers = c.dnsServers
		if out.DNSServers == nil {
			out.DNSServers = []netip.Addr{}
		}
	case CauseIPv6Unavailable, CauseFirewallPolicyError, CauseDNSError,
		CauseStartTunnelError, CauseIsOffline, CauseVPNPermissionDenied:
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged payload produced by MarshalJSON.
func (c *ErrorStateCause) UnmarshalJSON(data []byte) error {
	var in causeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var kind CauseKind
	found := false
	for k, v := range causeNames {
		if v == in.Kind {
			kind, found = k, true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown error cause %q", in.Kind)
	}

	switch kind {
	case CauseAuthFailed:
		reason := AuthUnknown
		if in.AuthFailed != nil {
			reason = *in.AuthFailed
		}
		*c = AuthFailed(reason)
	case CauseTunnelParameterError:
		if in.Parameter == nil {
			return fmt.Errorf("error cause %q requires parameter_error", in.Kind)
		}
		*c = TunnelParameterError(*in.Parameter)
	case CauseInvalidDNSServers:
		*c = InvalidDNSServers(in.DNSServers)
	case CauseIPv6Unavailable, CauseFirewallPolicyError, CauseDNSError,
		CauseStartTunnelError, CauseIsOffline, CauseVPNPermissionDenied:
		*c = ErrorStateCause{kind: kind}
	}
	return nil
}
