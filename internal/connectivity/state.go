// Package connectivity turns a read-current-state plus wait-for-change
// primitive into a cancellable stream of connectivity states.
package connectivity

import (
	"context"
	"fmt"
)

// State is the reachability of a control-plane channel.
type State uint8

const (
	Idle State = iota
	Connecting
	Ready
	TransientFailure
	Shutdown
)

var stateNames = map[State]string{
	Idle:             "IDLE",
	Connecting:       "CONNECTING",
	Ready:            "READY",
	TransientFailure: "TRANSIENT_FAILURE",
	Shutdown:         "SHUTDOWN",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for k, v := range stateNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown connectivity state %q", s)
}

// Source is the native connectivity primitive.
//
// WaitForStateChange blocks until the state differs from last, or the source
// decides to notify anyway, and returns true. It returns false once ctx is
// done or the source will never change again. Implementations may also
// implement io.Closer; Watch closes them exactly once when the subscription
// ends.
type Source interface {
	State() State
	WaitForStateChange(ctx context.Context, last State) bool
}
