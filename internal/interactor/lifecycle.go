package interactor

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/rennerdo30/tunnelctl/internal/relay"
	"github.com/rennerdo30/tunnelctl/internal/rest"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/task"
	"github.com/rennerdo30/tunnelctl/internal/tunnel"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// SelectRelays asks the relay selector for a relay matching the current
// settings.
func (i *Interactor) SelectRelays(ctx context.Context) (*relay.SelectedRelays, error) {
	return i.selector.SelectRelays(ctx, i.Settings())
}

// StartTunnel connects the tunnel. It is a no-op when the tunnel is already
// up. Failures move the status to error with a classified cause and are also
// returned. A newer StartTunnel or a StopTunnel cancels this one.
func (i *Interactor) StartTunnel(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	job := task.Func(cancel)
	i.inflight.Replace(startTask, job)
	defer i.inflight.Remove(startTask, job)

	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	ds := i.DeviceState()
	switch ds.Kind() {
	case settings.DeviceLoggedOut:
		return ErrNotLoggedIn
	case settings.DeviceRevoked:
		i.fail(tunnelstate.AuthFailed(tunnelstate.AuthUnknown))
		return ErrDeviceRevoked
	case settings.DeviceLoggedIn:
	}

	current := i.Status().State
	if current.IsActive() {
		return nil
	}
	if current.IsError() && !i.transition(tunnelstate.Disconnected()) {
		return fmt.Errorf("leave error state %s", current)
	}
	if !i.transition(tunnelstate.Connecting()) {
		return fmt.Errorf("cannot connect from %s", i.Status().State)
	}

	t, cfg, err := i.connect(ctx, ds)
	if err != nil {
		if ctx.Err() != nil {
			i.abortStart()
			return ctx.Err()
		}
		status := i.fail(i.causeFor(err))
		i.logger.Error("failed to start tunnel", "state", status.State.String(), "error", err)
		return err
	}

	// The tunnel is stored together with the move to connected; see fail.
	var superseded bool
	i.mu.Lock()
	i.UpdateTunnelStatus(func(s tunnelstate.TunnelStatus) tunnelstate.TunnelStatus {
		if s.State.Kind() != tunnelstate.KindConnecting {
			superseded = true
			return s
		}
		s = s.WithState(tunnelstate.Connected())
		s.Relay = cfg.Relay
		return s
	})
	if !superseded {
		i.tunnel = t
		i.tunnelCfg = cfg
	}
	i.mu.Unlock()

	if superseded {
		i.stopTunnel(t)
		return ErrSuperseded
	}
	return nil
}

// connect selects a relay and brings up a tunnel for it. The returned tunnel
// is running.
func (i *Interactor) connect(ctx context.Context, ds settings.DeviceState) (tunnel.Tunnel, tunnel.Config, error) {
	cfg, err := i.buildConfig(ctx, ds)
	if err != nil {
		return nil, tunnel.Config{}, err
	}

	i.UpdateTunnelStatus(func(s tunnelstate.TunnelStatus) tunnelstate.TunnelStatus {
		if s.State.Kind() == tunnelstate.KindConnecting {
			s.Relay = cfg.Relay
		}
		return s
	})

	t, err := i.factory(cfg)
	if err != nil {
		return nil, tunnel.Config{}, fmt.Errorf("%w: %w", tunnelstate.ErrStartTunnel, err)
	}
	if err := t.Start(ctx); err != nil {
		i.stopTunnel(t)
		return nil, tunnel.Config{}, err
	}
	return t, cfg, nil
}

func (i *Interactor) buildConfig(ctx context.Context, ds settings.DeviceState) (tunnel.Config, error) {
	device, ok := ds.Device()
	if !ok {
		return tunnel.Config{}, ErrNotLoggedIn
	}
	st := i.Settings()

	selected, err := i.selector.SelectRelays(ctx, st)
	if err != nil {
		return tunnel.Config{}, fmt.Errorf("select relays: %w", err)
	}

	key, err := i.keys.PrivateKey(device.ID)
	if err != nil {
		if !errors.Is(err, settings.ErrKeyNotFound) {
			return tunnel.Config{}, fmt.Errorf("load device key: %w", err)
		}
		key = wgkey.PrivateKey{}
	}
	cfg, err := tunnel.BuildConfig(selected, device, key, st)
	if err != nil {
		return tunnel.Config{}, err
	}

	if st.Tunnel.DNS.UseCustom {
		if err := tunnel.ValidateDNSServers(ctx, st.Tunnel.DNS.Servers, i.dnsProbeTimeout); err != nil {
			return tunnel.Config{}, err
		}
	}
	return cfg, nil
}

// abortStart unwinds a cancelled StartTunnel back to disconnected.
func (i *Interactor) abortStart() {
	i.stopTunnel(i.takeTunnel())
	if i.Status().State.Kind() != tunnelstate.KindConnecting {
		return
	}
	if i.transition(tunnelstate.Disconnecting()) {
		i.transition(tunnelstate.Disconnected())
	}
}

// causeFor classifies a tunnel establishment failure.
func (i *Interactor) causeFor(err error) tunnelstate.ErrorStateCause {
	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return tunnelstate.IsOffline()
	}
	if rest.IsUnavailable(err) && i.Status().Network == tunnelstate.Unreachable {
		return tunnelstate.IsOffline()
	}
	return tunnelstate.Classify(err)
}

// StopTunnel tears the tunnel down. It cancels a StartTunnel in progress and
// also clears the error state.
func (i *Interactor) StopTunnel() error {
	i.inflight.Cancel(startTask)

	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	current := i.Status().State
	switch current.Kind() {
	case tunnelstate.KindDisconnected:
		return nil
	case tunnelstate.KindError:
		i.stopTunnel(i.takeTunnel())
		i.transition(tunnelstate.Disconnected())
		return nil
	case tunnelstate.KindConnecting, tunnelstate.KindConnected, tunnelstate.KindReconnecting, tunnelstate.KindDisconnecting:
	}

	if current.Kind() != tunnelstate.KindDisconnecting && !i.transition(tunnelstate.Disconnecting()) {
		return fmt.Errorf("cannot disconnect from %s", i.Status().State)
	}
	i.stopTunnel(i.takeTunnel())
	i.transition(tunnelstate.Disconnected())
	return nil
}

// Reconnect selects a relay again and moves the running tunnel to it.
func (i *Interactor) Reconnect(ctx context.Context) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	switch i.Status().State.Kind() {
	case tunnelstate.KindConnected:
		i.reconfiguring.Store(true)
		defer i.reconfiguring.Store(false)
		if !i.transition(tunnelstate.Reconnecting()) {
			return ErrNotConnected
		}
	case tunnelstate.KindReconnecting:
		i.reconfiguring.Store(true)
		defer i.reconfiguring.Store(false)
	default:
		return ErrNotConnected
	}

	t := i.GetTunnel()
	if t == nil {
		i.fail(tunnelstate.StartTunnelError())
		return ErrNotConnected
	}

	cfg, err := i.buildConfig(ctx, i.DeviceState())
	if err == nil {
		err = t.Reconfigure(cfg)
	}
	if err != nil {
		if ctx.Err() != nil {
			i.transition(tunnelstate.Connected())
			return ctx.Err()
		}
		status := i.fail(i.causeFor(err))
		i.logger.Error("failed to reconnect tunnel", "state", status.State.String(), "error", err)
		return err
	}

	i.mu.Lock()
	if i.tunnel == t {
		i.tunnelCfg = cfg
	}
	i.mu.Unlock()

	i.UpdateTunnelStatus(func(s tunnelstate.TunnelStatus) tunnelstate.TunnelStatus {
		if s.State.Kind() != tunnelstate.KindReconnecting {
			return s
		}
		s = s.WithState(tunnelstate.Connected())
		s.Relay = cfg.Relay
		return s
	})
	return nil
}
