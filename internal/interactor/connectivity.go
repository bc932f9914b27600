package interactor

import (
	"github.com/rennerdo30/tunnelctl/internal/connectivity"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// ApplyConnectivity folds a control-plane connectivity observation into the
// status. Losing connectivity while connected moves to reconnecting, and
// regaining it moves back. States without a verdict leave Network as is.
func (i *Interactor) ApplyConnectivity(state connectivity.State) tunnelstate.TunnelStatus {
	explicit := i.reconfiguring.Load()
	return i.UpdateTunnelStatus(func(s tunnelstate.TunnelStatus) tunnelstate.TunnelStatus {
		switch state {
		case connectivity.Ready:
			s.Network = tunnelstate.Reachable
			if s.State.Kind() == tunnelstate.KindReconnecting && !explicit {
				s = s.WithState(tunnelstate.Connected())
			}
		case connectivity.TransientFailure, connectivity.Shutdown:
			s.Network = tunnelstate.Unreachable
			if s.State.Kind() == tunnelstate.KindConnected {
				s = s.WithState(tunnelstate.Reconnecting())
			}
		case connectivity.Idle, connectivity.Connecting:
		}
		return s
	})
}
