package tunnelstate

import "fmt"

// Reachability is the latest connectivity observation of the control plane.
type Reachability uint8

const (
	ReachabilityUnknown Reachability = iota
	Reachable
	Unreachable
)

func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	case ReachabilityUnknown:
		return "unknown"
	}
	return fmt.Sprintf("reachability(%d)", uint8(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r Reachability) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reachability) UnmarshalText(text []byte) error {
	switch string(text) {
	case "reachable":
		*r = Reachable
	case "unreachable":
		*r = Unreachable
	case "unknown", "":
		*r = ReachabilityUnknown
	default:
		return fmt.Errorf("unknown reachability %q", string(text))
	}
	return nil
}

// TunnelStatus is the externally observed tunnel status. It is always
// replaced as a whole value.
type TunnelStatus struct {
	State   TunnelState  `json:"state"`
	Relay   string       `json:"relay,omitempty"`
	Network Reachability `json:"network"`
}

// WithState returns a copy of s with its state replaced.
func (s TunnelStatus) WithState(state TunnelState) TunnelStatus {
	s.State = state
	if !state.IsActive() {
		s.Relay = ""
	}
	return s
}

// Equal reports whether two statuses are identical.
func (s TunnelStatus) Equal(o TunnelStatus) bool {
	return s.State.Equal(o.State) && s.Relay == o.Relay && s.Network == o.Network
}
