package devicecheck

import (
	"fmt"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/rest"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// AccountVerdict is the outcome of the account step.
type AccountVerdict uint8

const (
	AccountNotChecked AccountVerdict = iota
	AccountValid
	AccountExpired
	AccountInvalid
	AccountCheckFailed
)

func (v AccountVerdict) String() string {
	switch v {
	case AccountNotChecked:
		return "not_checked"
	case AccountValid:
		return "valid"
	case AccountExpired:
		return "expired"
	case AccountInvalid:
		return "invalid"
	case AccountCheckFailed:
		return "check_failed"
	}
	return fmt.Sprintf("account_verdict(%d)", uint8(v))
}

// DeviceVerdict is the outcome of the device step.
type DeviceVerdict uint8

const (
	DeviceNotChecked DeviceVerdict = iota
	DeviceValid
	// DeviceKeyMismatch means the device exists but the server holds a
	// different public key than the one stored locally.
	DeviceKeyMismatch
	DeviceRevoked
	DeviceCheckFailed
)

func (v DeviceVerdict) String() string {
	switch v {
	case DeviceNotChecked:
		return "not_checked"
	case DeviceValid:
		return "valid"
	case DeviceKeyMismatch:
		return "key_mismatch"
	case DeviceRevoked:
		return "revoked"
	case DeviceCheckFailed:
		return "check_failed"
	}
	return fmt.Sprintf("device_verdict(%d)", uint8(v))
}

// RotationStatus is the outcome of the key rotation step.
type RotationStatus uint8

const (
	RotationNotAttempted RotationStatus = iota
	RotationSucceeded
	RotationFailed
)

func (s RotationStatus) String() string {
	switch s {
	case RotationNotAttempted:
		return "not_attempted"
	case RotationSucceeded:
		return "succeeded"
	case RotationFailed:
		return "failed"
	}
	return fmt.Sprintf("rotation(%d)", uint8(s))
}

// Result is the classified outcome of a device check. Raw remote errors are
// kept in Err for logging only; callers act on the verdicts.
type Result struct {
	// DeviceID is the device the check ran for.
	DeviceID string

	Account       AccountVerdict
	AccountExpiry time.Time
	Device        DeviceVerdict
	Rotation      RotationStatus

	// NewKey and NewDevice are set when Rotation is RotationSucceeded.
	NewKey     *wgkey.Pair
	NewDevice  *rest.Device
	KeyCreated time.Time

	authFailed  bool
	authFailure tunnelstate.AuthFailedError

	Err error
}

// AuthFailure returns the classified authentication failure, if any.
func (r Result) AuthFailure() (tunnelstate.AuthFailedError, bool) {
	return r.authFailure, r.authFailed
}

// OK reports whether account and device were confirmed valid and any
// required rotation went through.
func (r Result) OK() bool {
	return r.Account == AccountValid &&
		(r.Device == DeviceValid || (r.Device == DeviceKeyMismatch && r.Rotation == RotationSucceeded)) &&
		r.Rotation != RotationFailed
}

func (r *Result) setAuthFailure(reason tunnelstate.AuthFailedError) {
	r.authFailed = true
	r.authFailure = reason
}

func (r Result) String() string {
	return fmt.Sprintf("account=%s device=%s rotation=%s", r.Account, r.Device, r.Rotation)
}
