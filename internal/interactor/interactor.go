// Package interactor owns the tunnel status and is its only mutation path.
//
// Every status change goes through UpdateTunnelStatus, which applies a pure
// transform under a lock and publishes the result. Remote calls, relay
// selection and tunnel setup run outside that lock; only the final
// transformation runs inside it.
package interactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/relay"
	"github.com/rennerdo30/tunnelctl/internal/rest"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/task"
	"github.com/rennerdo30/tunnelctl/internal/tunnel"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// Interactor errors.
var (
	ErrNotLoggedIn      = errors.New("not logged in")
	ErrAlreadyLoggedIn  = errors.New("already logged in")
	ErrDeviceRevoked    = errors.New("device revoked")
	ErrNotConnected     = errors.New("tunnel not connected")
	ErrPersistence      = errors.New("failed to persist")
	ErrSuperseded       = errors.New("tunnel start superseded")
	ErrNoAccountService = errors.New("no account service configured")
)

// startTask keys the in-flight StartTunnel in the task set.
const startTask = "start"

// RelaySelector picks relays for the current settings.
type RelaySelector interface {
	SelectRelays(ctx context.Context, st settings.Settings) (*relay.SelectedRelays, error)
}

// AccountService is the part of the control plane used to log in and out.
type AccountService interface {
	GetAccountData(ctx context.Context, account string) (*rest.Account, error)
	CreateDevice(ctx context.Context, account string, key wgkey.Key) (*rest.Device, error)
	RemoveDevice(ctx context.Context, account, deviceID string) error
}

// Observer is told about every applied status change. It is called while the
// status lock is held and must not block or call back into the Interactor.
type Observer interface {
	ObserveStatus(old, updated tunnelstate.TunnelStatus)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(old, updated tunnelstate.TunnelStatus)

func (f ObserverFunc) ObserveStatus(old, updated tunnelstate.TunnelStatus) { f(old, updated) }

// Option configures an Interactor.
type Option func(*Interactor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interactor) {
		i.logger = logger
	}
}

// WithObserver registers a status observer.
func WithObserver(o Observer) Option {
	return func(i *Interactor) {
		i.observers = append(i.observers, o)
	}
}

// WithAccountService enables Login and Logout.
func WithAccountService(svc AccountService) Option {
	return func(i *Interactor) {
		i.accounts = svc
	}
}

// WithDNSProbeTimeout makes StartTunnel query custom DNS servers before use.
// Zero only checks the addresses.
func WithDNSProbeTimeout(d time.Duration) Option {
	return func(i *Interactor) {
		i.dnsProbeTimeout = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Interactor) {
		i.now = now
	}
}

// Interactor is the tunnel lifecycle controller.
type Interactor struct {
	store    settings.Store
	keys     settings.Keys
	selector RelaySelector
	factory  tunnel.Factory
	accounts AccountService

	dnsProbeTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger
	observers       []Observer

	statusMu sync.Mutex
	status   tunnelstate.TunnelStatus
	subs     map[*subscriber]struct{}

	// mu is taken before statusMu when both are held.
	mu        sync.Mutex
	settings  settings.Settings
	device    settings.DeviceState
	tunnel    tunnel.Tunnel
	tunnelCfg tunnel.Config

	// lifecycleMu serializes StartTunnel, StopTunnel and Reconnect.
	lifecycleMu sync.Mutex
	inflight    *task.Set[string]
	// reconfiguring is set while Reconnect owns the reconnecting state.
	reconfiguring atomic.Bool
}

// New creates an Interactor and loads settings and device state from store.
func New(store settings.Store, keys settings.Keys, selector RelaySelector, factory tunnel.Factory, opts ...Option) (*Interactor, error) {
	i := &Interactor{
		store:    store,
		keys:     keys,
		selector: selector,
		factory:  factory,
		now:      time.Now,
		logger:   logging.WithComponent("interactor"),
		subs:     make(map[*subscriber]struct{}),
		inflight: task.NewSet[string](),
	}
	for _, opt := range opts {
		opt(i)
	}

	st, err := store.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	ds, err := store.LoadDeviceState()
	if err != nil {
		return nil, fmt.Errorf("load device state: %w", err)
	}
	i.settings = st
	i.device = ds
	return i, nil
}

// Status returns the current status.
func (i *Interactor) Status() tunnelstate.TunnelStatus {
	i.statusMu.Lock()
	defer i.statusMu.Unlock()
	return i.status
}

// UpdateTunnelStatus applies transform to the current status under the
// status lock, publishes the result and returns it. transform must be pure
// and must not block. A result that is not a legal state transition is
// rejected and the current status is returned unchanged.
func (i *Interactor) UpdateTunnelStatus(transform func(tunnelstate.TunnelStatus) tunnelstate.TunnelStatus) tunnelstate.TunnelStatus {
	updated, _ := i.update(transform)
	return updated
}

func (i *Interactor) update(transform func(tunnelstate.TunnelStatus) tunnelstate.TunnelStatus) (tunnelstate.TunnelStatus, bool) {
	i.statusMu.Lock()
	defer i.statusMu.Unlock()

	old := i.status
	updated := transform(old)

	if !updated.State.Equal(old.State) && !tunnelstate.CanTransition(old.State.Kind(), updated.State.Kind()) {
		i.logger.Warn("rejected tunnel state transition",
			"from", old.State.String(),
			"to", updated.State.String(),
		)
		return old, false
	}
	if updated.Equal(old) {
		return old, true
	}

	i.status = updated
	if !updated.State.Equal(old.State) {
		i.logger.Info("tunnel state changed",
			"from", old.State.String(),
			"to", updated.State.String(),
			"relay", updated.Relay,
		)
	}
	for _, o := range i.observers {
		o.ObserveStatus(old, updated)
	}
	for s := range i.subs {
		s.publish(updated)
	}
	return updated, true
}

// transition moves to state and reports whether the move was applied.
func (i *Interactor) transition(state tunnelstate.TunnelState) bool {
	_, ok := i.update(func(s tunnelstate.TunnelStatus) tunnelstate.TunnelStatus {
		return s.WithState(state)
	})
	return ok
}

// GetTunnel returns the current OS tunnel object, or nil.
func (i *Interactor) GetTunnel() tunnel.Tunnel {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tunnel
}

// SetTunnel replaces the tunnel object. With refresh set the current status
// is republished to subscribers.
func (i *Interactor) SetTunnel(t tunnel.Tunnel, refresh bool) {
	i.mu.Lock()
	i.tunnel = t
	i.mu.Unlock()

	if refresh {
		i.statusMu.Lock()
		for s := range i.subs {
			s.publish(i.status)
		}
		i.statusMu.Unlock()
	}
}

// takeTunnel clears and returns the current tunnel object.
func (i *Interactor) takeTunnel() tunnel.Tunnel {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.takeTunnelLocked()
}

func (i *Interactor) takeTunnelLocked() tunnel.Tunnel {
	t := i.tunnel
	i.tunnel = nil
	i.tunnelCfg = tunnel.Config{}
	return t
}

func (i *Interactor) stopTunnel(t tunnel.Tunnel) {
	if t == nil {
		return
	}
	if err := t.Stop(); err != nil {
		i.logger.Warn("failed to stop tunnel", "tunnel", t.Name(), "error", err)
	}
}

// fail moves to the error state and tears down the tunnel object. The move
// and the take happen under mu, the same section StartTunnel stores a new
// tunnel in, so no tunnel survives an error state.
func (i *Interactor) fail(cause tunnelstate.ErrorStateCause) tunnelstate.TunnelStatus {
	i.mu.Lock()
	status := i.UpdateTunnelStatus(func(s tunnelstate.TunnelStatus) tunnelstate.TunnelStatus {
		return s.WithState(tunnelstate.Error(cause))
	})
	t := i.takeTunnelLocked()
	i.mu.Unlock()

	i.stopTunnel(t)
	return status
}

// Settings returns a copy of the current settings.
func (i *Interactor) Settings() settings.Settings {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.settings.Clone()
}

// SetSettings replaces the settings. With persist set the value is saved
// first and kept in memory only if saving succeeded.
func (i *Interactor) SetSettings(st settings.Settings, persist bool) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st = st.Clone()

	i.mu.Lock()
	defer i.mu.Unlock()
	if persist {
		if err := i.store.SaveSettings(st); err != nil {
			return fmt.Errorf("%w settings: %w", ErrPersistence, err)
		}
	}
	i.settings = st
	return nil
}

// DeviceState returns the current device state.
func (i *Interactor) DeviceState() settings.DeviceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.device
}

// SetDeviceState replaces the device state, saving it first when persist is
// set. A failed save leaves the in-memory value unchanged.
func (i *Interactor) SetDeviceState(ds settings.DeviceState, persist bool) error {
	_, err := i.updateDeviceState(func(settings.DeviceState) (settings.DeviceState, bool) {
		return ds, true
	}, persist)
	return err
}

// updateDeviceState applies transform to the current device state and saves
// the result within one critical section. A transform returning false leaves
// the state untouched. applied is false when nothing was stored.
func (i *Interactor) updateDeviceState(transform func(settings.DeviceState) (settings.DeviceState, bool), persist bool) (applied bool, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ds, ok := transform(i.device)
	if !ok {
		return false, nil
	}
	if persist {
		if err := i.store.SaveDeviceState(ds); err != nil {
			return false, fmt.Errorf("%w device state: %w", ErrPersistence, err)
		}
	}
	if i.device.Kind() != ds.Kind() {
		i.logger.Info("device state changed", "from", i.device.String(), "to", ds.String())
	}
	i.device = ds
	return true, nil
}

// updateLoggedInDevice is updateDeviceState restricted to the case where
// deviceID is still the logged in device. The result is persisted.
func (i *Interactor) updateLoggedInDevice(deviceID string, transform func(settings.DeviceState) settings.DeviceState) (bool, error) {
	return i.updateDeviceState(func(old settings.DeviceState) (settings.DeviceState, bool) {
		device, ok := old.Device()
		if !ok || device.ID != deviceID {
			return old, false
		}
		return transform(old), true
	}, true)
}

// RemoveLastUsedAccount forgets the remembered account number.
func (i *Interactor) RemoveLastUsedAccount() error {
	if err := i.store.RemoveLastUsedAccount(); err != nil {
		return fmt.Errorf("%w last used account: %w", ErrPersistence, err)
	}
	return nil
}

// Close cancels in-flight work, stops the tunnel and closes subscriptions.
func (i *Interactor) Close() {
	i.inflight.CancelAll()
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()
	i.stopTunnel(i.takeTunnel())

	i.statusMu.Lock()
	defer i.statusMu.Unlock()
	for s := range i.subs {
		s.close()
		delete(i.subs, s)
	}
}
