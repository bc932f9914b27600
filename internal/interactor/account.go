package interactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rennerdo30/tunnelctl/internal/devicecheck"
	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// HandleRestError applies a control-plane error to the device and tunnel
// state. Errors that are not authentication failures are ignored.
func (i *Interactor) HandleRestError(err error) error {
	reason, ok := tunnelstate.ClassifyAuth(err)
	if !ok {
		i.logger.Debug("ignoring non-auth control plane error", "error", err)
		return nil
	}
	return i.applyAuthFailure(reason, "")
}

// applyAuthFailure persists the device consequence of reason before the
// status changes. A non-empty deviceID limits the device change to that
// device; a failure reported for another device is dropped.
func (i *Interactor) applyAuthFailure(reason tunnelstate.AuthFailedError, deviceID string) error {
	var next settings.DeviceState
	switch reason {
	case tunnelstate.AuthExpiredAccount:
		next = settings.Revoked()
	case tunnelstate.AuthInvalidAccount:
		next = settings.LoggedOut()
	case tunnelstate.AuthTooManyConnections, tunnelstate.AuthUnknown:
		i.inflight.Cancel(startTask)
		i.fail(tunnelstate.AuthFailed(reason))
		return nil
	}

	applied, err := i.updateDeviceState(func(old settings.DeviceState) (settings.DeviceState, bool) {
		if deviceID != "" {
			if device, ok := old.Device(); !ok || device.ID != deviceID {
				return old, false
			}
		}
		return next, true
	}, true)
	if !applied && err == nil {
		i.logger.Debug("dropping auth failure for stale device", "device", deviceID, "reason", reason.String())
		return nil
	}
	if reason == tunnelstate.AuthInvalidAccount {
		err = errors.Join(i.RemoveLastUsedAccount(), err)
	}

	i.inflight.Cancel(startTask)
	i.fail(tunnelstate.AuthFailed(reason))
	return err
}

// DeviceCheckInput returns the input for a device check of the logged in
// device.
func (i *Interactor) DeviceCheckInput() (devicecheck.Input, bool) {
	ds := i.DeviceState()
	account, ok := ds.Account()
	if !ok {
		return devicecheck.Input{}, false
	}
	device, _ := ds.Device()
	return devicecheck.Input{
		AccountNumber: account.Number,
		DeviceID:      device.ID,
		PublicKey:     device.PublicKey,
		KeyCreated:    device.KeyCreated,
	}, true
}

// ApplyDeviceCheck feeds a device check result into the device and tunnel
// state. Results for a device that is no longer logged in are dropped, also
// when the device changes while the result is being applied.
func (i *Interactor) ApplyDeviceCheck(r devicecheck.Result) error {
	device, ok := i.DeviceState().Device()
	if !ok || device.ID != r.DeviceID {
		i.logger.Debug("dropping device check result for stale device", "device", r.DeviceID)
		return nil
	}

	switch r.Account {
	case devicecheck.AccountExpired:
		return i.applyAuthFailure(tunnelstate.AuthExpiredAccount, r.DeviceID)
	case devicecheck.AccountInvalid:
		return i.applyAuthFailure(tunnelstate.AuthInvalidAccount, r.DeviceID)
	case devicecheck.AccountCheckFailed:
		if reason, ok := r.AuthFailure(); ok {
			return i.applyAuthFailure(reason, r.DeviceID)
		}
		return nil
	case devicecheck.AccountValid, devicecheck.AccountNotChecked:
	}

	switch r.Device {
	case devicecheck.DeviceRevoked:
		applied, err := i.updateLoggedInDevice(r.DeviceID, func(settings.DeviceState) settings.DeviceState {
			return settings.Revoked()
		})
		if err != nil {
			return err
		}
		if !applied {
			i.logger.Debug("dropping device check result for stale device", "device", r.DeviceID)
			return nil
		}
		if err := i.keys.DeletePrivateKey(r.DeviceID); err != nil && !errors.Is(err, settings.ErrKeyNotFound) {
			i.logger.Warn("failed to delete revoked device key", "error", err)
		}
		i.inflight.Cancel(startTask)
		i.fail(tunnelstate.AuthFailed(tunnelstate.AuthUnknown))
		return nil
	case devicecheck.DeviceValid, devicecheck.DeviceKeyMismatch, devicecheck.DeviceCheckFailed, devicecheck.DeviceNotChecked:
	}

	if r.Rotation == devicecheck.RotationSucceeded && r.NewKey != nil {
		return i.applyRotation(r)
	}
	if r.Rotation == devicecheck.RotationFailed {
		i.logger.Warn("key rotation failed, retrying on next check", "error", r.Err)
	}
	_, err := i.updateLoggedInDevice(r.DeviceID, func(old settings.DeviceState) settings.DeviceState {
		return withCheckedExpiry(old, r)
	})
	return err
}

func withCheckedExpiry(ds settings.DeviceState, r devicecheck.Result) settings.DeviceState {
	if r.AccountExpiry.IsZero() {
		return ds
	}
	return ds.WithAccountExpiry(r.AccountExpiry)
}

// applyRotation stores the new key, persists the device and moves a running
// tunnel to the new key. The stored key is removed again if the device was
// logged out or revoked in the meantime.
func (i *Interactor) applyRotation(r devicecheck.Result) error {
	if err := i.keys.StorePrivateKey(r.DeviceID, r.NewKey.Private); err != nil {
		return fmt.Errorf("%w rotated key: %w", ErrPersistence, err)
	}

	var device settings.StoredDevice
	applied, err := i.updateLoggedInDevice(r.DeviceID, func(old settings.DeviceState) settings.DeviceState {
		device, _ = old.Device()
		device.PublicKey = r.NewKey.Public
		device.KeyCreated = r.KeyCreated
		return withCheckedExpiry(old, r).WithDevice(device)
	})
	if err != nil {
		return err
	}
	if !applied {
		if err := i.keys.DeletePrivateKey(r.DeviceID); err != nil && !errors.Is(err, settings.ErrKeyNotFound) {
			i.logger.Warn("failed to delete rotated key of stale device", "device", r.DeviceID, "error", err)
		}
		i.logger.Debug("dropping key rotation for stale device", "device", r.DeviceID)
		return nil
	}
	i.logger.Info("device key rotated", "device", device.ID, "public_key", device.PublicKey.String())

	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	i.mu.Lock()
	t := i.tunnel
	cfg := i.tunnelCfg.Clone()
	i.mu.Unlock()
	if t == nil {
		return nil
	}
	cfg.PrivateKey = r.NewKey.Private
	if err := t.Reconfigure(cfg); err != nil {
		i.fail(tunnelstate.Classify(err))
		return err
	}
	i.mu.Lock()
	if i.tunnel == t {
		i.tunnelCfg = cfg
	}
	i.mu.Unlock()
	return nil
}

// Login registers a new device on account and stores it as the logged in
// device.
func (i *Interactor) Login(ctx context.Context, account string) error {
	if i.accounts == nil {
		return ErrNoAccountService
	}
	if i.DeviceState().IsLoggedIn() {
		return ErrAlreadyLoggedIn
	}
	logger := i.logger.With(logging.AccountKey, account)

	acct, err := i.accounts.GetAccountData(ctx, account)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if acct.Expired(i.now()) {
		return fmt.Errorf("login: %w", tunnelstate.ErrAccountExpired)
	}

	pair, err := wgkey.Generate()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	created, err := i.accounts.CreateDevice(ctx, account, pair.Public)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if err := i.keys.StorePrivateKey(created.ID, pair.Private); err != nil {
		i.rollbackDevice(account, created.ID)
		return fmt.Errorf("login: %w device key: %w", ErrPersistence, err)
	}
	ds := settings.LoggedIn(
		settings.StoredAccount{Number: account, Expiry: acct.Expiry},
		settings.StoredDevice{
			ID:          created.ID,
			Name:        created.Name,
			PublicKey:   pair.Public,
			KeyCreated:  i.now(),
			IPv4Address: created.IPv4Address,
			IPv6Address: created.IPv6Address,
		},
	)
	applied, err := i.updateDeviceState(func(old settings.DeviceState) (settings.DeviceState, bool) {
		return ds, !old.IsLoggedIn()
	}, true)
	if err == nil && !applied {
		err = ErrAlreadyLoggedIn
	}
	if err != nil {
		if err := i.keys.DeletePrivateKey(created.ID); err != nil && !errors.Is(err, settings.ErrKeyNotFound) {
			logger.Warn("failed to delete device key after failed login", "device", created.ID, "error", err)
		}
		i.rollbackDevice(account, created.ID)
		return fmt.Errorf("login: %w", err)
	}
	if err := i.store.SetLastUsedAccount(account); err != nil {
		logger.Warn("failed to remember account", "error", err)
	}

	logger.Info("logged in", "device", created.ID, "name", created.Name)
	return nil
}

func (i *Interactor) rollbackDevice(account, deviceID string) {
	if err := i.accounts.RemoveDevice(context.Background(), account, deviceID); err != nil {
		i.logger.Warn("failed to remove device after failed login", "device", deviceID, "error", err)
	}
}

// Logout disconnects, removes the device from the account and forgets it.
// Failing to reach the control plane does not prevent a local logout.
func (i *Interactor) Logout(ctx context.Context) error {
	if err := i.StopTunnel(); err != nil {
		return err
	}

	ds := i.DeviceState()
	if account, ok := ds.Account(); ok {
		device, _ := ds.Device()
		if i.accounts != nil {
			if err := i.accounts.RemoveDevice(ctx, account.Number, device.ID); err != nil {
				i.logger.Warn("failed to remove device from account", "device", device.ID, "error", err)
			}
		}
		if err := i.keys.DeletePrivateKey(device.ID); err != nil && !errors.Is(err, settings.ErrKeyNotFound) {
			i.logger.Warn("failed to delete device key", "device", device.ID, "error", err)
		}
	}
	return i.SetDeviceState(settings.LoggedOut(), true)
}
