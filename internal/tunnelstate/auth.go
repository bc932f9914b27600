package tunnelstate

import "fmt"

// AuthFailedError is the reason an authentication failure was reported.
type AuthFailedError uint8

const (
	// AuthUnknown is an authentication failure that could not be diagnosed.
	AuthUnknown AuthFailedError = iota
	// AuthExpiredAccount means the account has no time left.
	AuthExpiredAccount
	// AuthInvalidAccount means the account number does not exist.
	AuthInvalidAccount
	// AuthTooManyConnections means the concurrent session limit was reached.
	AuthTooManyConnections
)

var authNames = map[AuthFailedError]string{
	AuthUnknown:            "unknown",
	AuthExpiredAccount:     "expired_account",
	AuthInvalidAccount:     "invalid_account",
	AuthTooManyConnections: "too_many_connections",
}

// String returns the wire name of the reason.
func (a AuthFailedError) String() string {
	if name, ok := authNames[a]; ok {
		return name
	}
	return fmt.Sprintf("auth_failed(%d)", uint8(a))
}

// IsCausedByExpiredAccount reports whether the failure can be fixed by adding
// time to the account. Billing recovery flows key off this.
func (a AuthFailedError) IsCausedByExpiredAccount() bool {
	return a == AuthExpiredAccount
}

// Message returns a short user-facing description.
func (a AuthFailedError) Message() string {
	switch a {
	case AuthExpiredAccount:
		return "Account is out of time"
	case AuthInvalidAccount:
		return "Account number is not valid"
	case AuthTooManyConnections:
		return "Too many simultaneous connections on this account"
	case AuthUnknown:
		return "Authentication with the relay failed"
	}
	return "Authentication with the relay failed"
}

// MarshalText implements encoding.TextMarshaler.
func (a AuthFailedError) MarshalText() ([]byte, error) {
	if _, ok := authNames[a]; !ok {
		return nil, fmt.Errorf("invalid auth failure reason %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognised names decode
// to AuthUnknown so new reasons from a newer peer never fail decoding.
func (a *AuthFailedError) UnmarshalText(text []byte) error {
	for k, v := range authNames {
		if v == string(text) {
			*a = k
			return nil
		}
	}
	*a = AuthUnknown
	return nil
}
