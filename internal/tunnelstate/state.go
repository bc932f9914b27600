package tunnelstate

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StateKind tags the variant held by a TunnelState.
type StateKind uint8

const (
	KindDisconnected StateKind = iota
	KindConnecting
	KindConnected
	KindDisconnecting
	KindReconnecting
	KindError
)

var stateNames = map[StateKind]string{
	KindDisconnected:  "disconnected",
	KindConnecting:    "connecting",
	KindConnected:     "connected",
	KindDisconnecting: "disconnecting",
	KindReconnecting:  "reconnecting",
	KindError:         "error",
}

func (k StateKind) String() string {
	if name, ok := stateNames[k]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(k))
}

// ParseStateKind is the inverse of StateKind.String.
func ParseStateKind(s string) (StateKind, error) {
	for k, v := range stateNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown tunnel state %q", s)
}

// AllStateKinds lists every variant in declaration order.
func AllStateKinds() []StateKind {
	return []StateKind{KindDisconnected, KindConnecting, KindConnected, KindDisconnecting, KindReconnecting, KindError}
}

// TunnelState is the tunnel's lifecycle state. The zero value is Disconnected.
//
// A cause is attached if and only if the kind is KindError. The fields are
// unexported so that invariant can only be established by the constructors.
type TunnelState struct {
	kind  StateKind
	cause ErrorStateCause
}

func Disconnected() TunnelState  { return TunnelState{kind: KindDisconnected} }
func Connecting() TunnelState    { return TunnelState{kind: KindConnecting} }
func Connected() TunnelState     { return TunnelState{kind: KindConnected} }
func Disconnecting() TunnelState { return TunnelState{kind: KindDisconnecting} }
func Reconnecting() TunnelState  { return TunnelState{kind: KindReconnecting} }

// Error returns the error state carrying cause.
func Error(cause ErrorStateCause) TunnelState {
	return TunnelState{kind: KindError, cause: cause}
}

// Kind returns the variant tag.
func (s TunnelState) Kind() StateKind { return s.kind }

// IsError reports whether s is the error state.
func (s TunnelState) IsError() bool { return s.kind == KindError }

// Cause returns the attached cause. ok is false for every non-error state.
func (s TunnelState) Cause() (cause ErrorStateCause, ok bool) {
	if s.kind != KindError {
		return ErrorStateCause{}, false
	}
	return s.cause, true
}

// Equal reports whether two states hold the same variant and cause.
func (s TunnelState) Equal(o TunnelState) bool {
	if s.kind != o.kind {
		return false
	}
	if s.kind == KindError {
		return s.cause.Equal(o.cause)
	}
	return true
}

// IsActive reports whether an OS tunnel object is expected to exist.
func (s TunnelState) IsActive() bool {
	switch s.kind {
	case KindConnecting, KindConnected, KindReconnecting, KindDisconnecting:
		return true
	case KindDisconnected, KindError:
		return false
	}
	return false
}

func (s TunnelState) String() string {
	if s.kind == KindError {
		return fmt.Sprintf("error(%s)", s.cause)
	}
	return s.kind.String()
}

type stateJSON struct {
	State string           `json:"state"`
	Cause *ErrorStateCause `json:"cause,omitempty"`
}

// MarshalJSON encodes the state as {"state": "...", "cause": {...}}.
func (s TunnelState) MarshalJSON() ([]byte, error) {
	name, ok := stateNames[s.kind]
	if !ok {
		return nil, fmt.Errorf("invalid tunnel state %d", uint8(s.kind))
	}
	out := stateJSON{State: name}
	if s.kind == KindError {
		cause := s.cause
		out.Cause = &cause
	}
	return json.Marshal(out)
}

// ErrMalformedState is returned when a decoded state violates the
// error-iff-cause invariant.
var ErrMalformedState = errors.New("malformed tunnel state")

// UnmarshalJSON decodes a payload produced by MarshalJSON.
func (s *TunnelState) UnmarshalJSON(data []byte) error {
	var in stateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := ParseStateKind(in.State)
	if err != nil {
		return err
	}
	switch {
	case kind == KindError && in.Cause == nil:
		return fmt.Errorf("%w: error state without cause", ErrMalformedState)
	case kind != KindError && in.Cause != nil:
		return fmt.Errorf("%w: cause attached to %s", ErrMalformedState, kind)
	case kind == KindError:
		*s = Error(*in.Cause)
	default:
		*s = TunnelState{kind: kind}
	}
	return nil
}
