package tunnelstate

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Low-level failure signals. Producers wrap these with fmt.Errorf("%w") and
// Classify recognises them anywhere in the chain.
var (
	ErrFirewallPolicy      = errors.New("firewall policy rejected")
	ErrDNS                 = errors.New("dns resolution failed")
	ErrIPv6Unavailable     = errors.New("ipv6 unavailable")
	ErrOffline             = errors.New("host is offline")
	ErrVPNPermissionDenied = errors.New("vpn permission denied")
	ErrStartTunnel         = errors.New("failed to start tunnel")

	ErrAccountExpired     = errors.New("account expired")
	ErrInvalidAccount     = errors.New("invalid account")
	ErrTooManyConnections = errors.New("too many connections")
	ErrAuthFailed         = errors.New("authentication failed")
)

// ParameterError reports that tunnel parameters could not be generated.
type ParameterError struct {
	Reason ParameterGenerationError
	Err    error
}

func (e *ParameterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tunnel parameter error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("tunnel parameter error: %s", e.Reason)
}

func (e *ParameterError) Unwrap() error { return e.Err }

// NewParameterError creates a ParameterError without an underlying error.
func NewParameterError(reason ParameterGenerationError) *ParameterError {
	return &ParameterError{Reason: reason}
}

// InvalidDNSServersError lists custom resolvers that failed validation.
type InvalidDNSServersError struct {
	Servers []netip.Addr
}

func (e *InvalidDNSServersError) Error() string {
	addrs := make([]string, len(e.Servers))
	for i, a := range e.Servers {
		addrs[i] = a.String()
	}
	return "invalid dns servers: " + strings.Join(addrs, ", ")
}

// Coded is implemented by errors that carry a control-plane error code.
type Coded interface {
	error
	ErrorCode() string
}
