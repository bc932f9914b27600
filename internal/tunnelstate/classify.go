package tunnelstate

import (
	"errors"
	"net"
	"os"
)

// Control-plane error codes that denote an authentication failure.
const (
	CodeInvalidAccount     = "INVALID_ACCOUNT"
	CodeAccountExpired     = "ACCOUNT_EXPIRED"
	CodeTooManyConnections = "TOO_MANY_CONNECTIONS"
	CodeMaxDevicesReached  = "MAX_DEVICES_REACHED"
	CodeInvalidAccessToken = "INVALID_ACCESS_TOKEN"
	CodeInvalidAuth        = "INVALID_AUTH"
)

// AuthFailedFromCode maps a control-plane error code onto an auth failure
// reason. Codes that are not recognised map to AuthUnknown.
func AuthFailedFromCode(code string) AuthFailedError {
	switch code {
	case CodeAccountExpired:
		return AuthExpiredAccount
	case CodeInvalidAccount:
		return AuthInvalidAccount
	case CodeTooManyConnections, CodeMaxDevicesReached:
		return AuthTooManyConnections
	default:
		return AuthUnknown
	}
}

// isAuthCode reports whether a control-plane code denotes a failed
// authentication as opposed to some other API failure.
func isAuthCode(code string) bool {
	switch code {
	case CodeInvalidAccount, CodeAccountExpired, CodeTooManyConnections,
		CodeMaxDevicesReached, CodeInvalidAccessToken, CodeInvalidAuth:
		return true
	}
	return false
}

// ClassifyAuth reports whether err is an authentication failure and, if so,
// which one.
func ClassifyAuth(err error) (AuthFailedError, bool) {
	switch {
	case err == nil:
		return AuthUnknown, false
	case errors.Is(err, ErrAccountExpired):
		return AuthExpiredAccount, true
	case errors.Is(err, ErrInvalidAccount):
		return AuthInvalidAccount, true
	case errors.Is(err, ErrTooManyConnections):
		return AuthTooManyConnections, true
	case errors.Is(err, ErrAuthFailed):
		return AuthUnknown, true
	}

	var coded Coded
	if errors.As(err, &coded) && isAuthCode(coded.ErrorCode()) {
		return AuthFailedFromCode(coded.ErrorCode()), true
	}
	return AuthUnknown, false
}

// Classify maps err onto exactly one ErrorStateCause. Errors that match no
// specific signal map to StartTunnelError. A nil error also maps to
// StartTunnelError; callers only classify failures.
func Classify(err error) ErrorStateCause {
	var paramErr *ParameterError
	if errors.As(err, &paramErr) {
		return TunnelParameterError(paramErr.Reason)
	}

	var dnsServersErr *InvalidDNSServersError
	if errors.As(err, &dnsServersErr) {
		return InvalidDNSServers(dnsServersErr.Servers)
	}

	if reason, ok := ClassifyAuth(err); ok {
		return AuthFailed(reason)
	}

	switch {
	case errors.Is(err, ErrFirewallPolicy):
		return FirewallPolicyError()
	case errors.Is(err, ErrIPv6Unavailable):
		return IPv6UnavailableCause()
	case errors.Is(err, ErrOffline):
		return IsOffline()
	case errors.Is(err, ErrVPNPermissionDenied), errors.Is(err, os.ErrPermission):
		return VPNPermissionDenied()
	case errors.Is(err, ErrDNS):
		return DNSError()
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNSError()
	}

	return StartTunnelError()
}
