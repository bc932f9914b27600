package rest

import (
	"errors"
	"fmt"

	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// Error codes returned by the control plane.
const (
	CodeInvalidAccount     = tunnelstate.CodeInvalidAccount
	CodeAccountExpired     = tunnelstate.CodeAccountExpired
	CodeTooManyConnections = tunnelstate.CodeTooManyConnections
	CodeMaxDevicesReached  = tunnelstate.CodeMaxDevicesReached
	CodeInvalidAccessToken = tunnelstate.CodeInvalidAccessToken
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodePubkeyInUse        = "PUBKEY_IN_USE"
	CodeThrottled          = "THROTTLED"
)

// ErrUnavailable indicates the control plane could not be reached.
var ErrUnavailable = errors.New("control plane unavailable")

// Error is an error response from the control plane.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Detail != "":
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Detail)
	case e.Code != "":
		return fmt.Sprintf("api error %d %s", e.StatusCode, e.Code)
	default:
		return fmt.Sprintf("api error %d", e.StatusCode)
	}
}

// ErrorCode returns the control-plane error code.
func (e *Error) ErrorCode() string { return e.Code }

// HasCode reports whether err is an API error with the given code.
func HasCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
