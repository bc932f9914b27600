package tunnelstate

import "fmt"

// ParameterGenerationError is the reason tunnel parameters could not be built.
type ParameterGenerationError uint8

const (
	NoMatchingRelay ParameterGenerationError = iota
	NoMatchingBridgeRelay
	NoWireGuardKey
	CustomTunnelHostResolutionError
	IPv4Unavailable
	IPv6Unavailable
)

var parameterNames = map[ParameterGenerationError]string{
	NoMatchingRelay:                 "no_matching_relay",
	NoMatchingBridgeRelay:           "no_matching_bridge_relay",
	NoWireGuardKey:                  "no_wireguard_key",
	CustomTunnelHostResolutionError: "custom_tunnel_host_resolution_error",
	IPv4Unavailable:                 "ipv4_unavailable",
	IPv6Unavailable:                 "ipv6_unavailable",
}

func (p ParameterGenerationError) String() string {
	if name, ok := parameterNames[p]; ok {
		return name
	}
	return fmt.Sprintf("parameter_error(%d)", uint8(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p ParameterGenerationError) MarshalText() ([]byte, error) {
	if _, ok := parameterNames[p]; !ok {
		return nil, fmt.Errorf("invalid parameter generation error %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ParameterGenerationError) UnmarshalText(text []byte) error {
	for k, v := range parameterNames {
		if v == string(text) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown parameter generation error %q", string(text))
}
