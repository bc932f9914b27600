package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/interactor"
	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
	"github.com/rennerdo30/tunnelctl/internal/version"
)

// connectTimeout bounds a connect request. The tunnel start itself is
// detached from the request so a client hanging up does not tear it down.
const connectTimeout = 2 * time.Minute

// DeviceResponse describes the device login state.
type DeviceResponse struct {
	State         string     `json:"state"`
	Account       string     `json:"account,omitempty"`
	AccountExpiry *time.Time `json:"account_expiry,omitempty"`
	DeviceID      string     `json:"device_id,omitempty"`
	DeviceName    string     `json:"device_name,omitempty"`
	PublicKey     string     `json:"public_key,omitempty"`
	KeyCreated    *time.Time `json:"key_created,omitempty"`
	IPv4Address   string     `json:"ipv4_address,omitempty"`
	IPv6Address   string     `json:"ipv6_address,omitempty"`
}

// LoginRequest is the body of POST /api/v1/account/login.
type LoginRequest struct {
	Account string `json:"account"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.ctrl.Status())
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), connectTimeout)
	defer cancel()

	if err := a.ctrl.StartTunnel(ctx); err != nil {
		a.writeCommandError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.ctrl.Status())
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.StopTunnel(); err != nil {
		a.writeCommandError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.ctrl.Status())
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), connectTimeout)
	defer cancel()

	if err := a.ctrl.Reconnect(ctx); err != nil {
		a.writeCommandError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.ctrl.Status())
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, deviceResponse(a.ctrl.DeviceState()))
}

func deviceResponse(ds settings.DeviceState) DeviceResponse {
	resp := DeviceResponse{State: ds.Kind().String()}
	if account, ok := ds.Account(); ok {
		resp.Account = logging.MaskAccount(account.Number)
		if !account.Expiry.IsZero() {
			expiry := account.Expiry
			resp.AccountExpiry = &expiry
		}
	}
	if device, ok := ds.Device(); ok {
		resp.DeviceID = device.ID
		resp.DeviceName = device.Name
		if !device.PublicKey.IsZero() {
			resp.PublicKey = device.PublicKey.String()
		}
		if !device.KeyCreated.IsZero() {
			created := device.KeyCreated
			resp.KeyCreated = &created
		}
		if device.IPv4Address.IsValid() {
			resp.IPv4Address = device.IPv4Address.String()
		}
		if device.IPv6Address.IsValid() {
			resp.IPv6Address = device.IPv6Address.String()
		}
	}
	return resp
}

func (a *API) handleDeviceCheck(w http.ResponseWriter, r *http.Request) {
	if a.checker == nil {
		a.writeError(w, http.StatusServiceUnavailable, "device check not available")
		return
	}
	if !a.ctrl.DeviceState().IsLoggedIn() {
		a.writeError(w, http.StatusConflict, interactor.ErrNotLoggedIn.Error())
		return
	}
	a.checker.Trigger()
	a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.ctrl.Settings())
}

func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var st settings.Settings
	if err := decodeJSON(w, r, &st); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.ctrl.SetSettings(st, true); err != nil {
		a.writeCommandError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.ctrl.Settings())
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Account == "" {
		a.writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	if err := a.ctrl.Login(r.Context(), req.Account); err != nil {
		a.writeCommandError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, deviceResponse(a.ctrl.DeviceState()))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Logout(r.Context()); err != nil {
		a.writeCommandError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, deviceResponse(a.ctrl.DeviceState()))
}

const maxBodySize = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// writeCommandError maps controller errors to HTTP responses. The current
// status is attached so clients can show the error cause.
func (a *API) writeCommandError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, settings.ErrInvalidSettings):
		code = http.StatusBadRequest
	case errors.Is(err, interactor.ErrNotLoggedIn),
		errors.Is(err, interactor.ErrAlreadyLoggedIn),
		errors.Is(err, interactor.ErrNotConnected),
		errors.Is(err, interactor.ErrSuperseded):
		code = http.StatusConflict
	case errors.Is(err, interactor.ErrDeviceRevoked),
		errors.Is(err, tunnelstate.ErrAccountExpired):
		code = http.StatusForbidden
	case errors.Is(err, interactor.ErrNoAccountService):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}

	if code == http.StatusInternalServerError {
		a.logger.Warn("api command failed", "error", err)
	}
	status := a.ctrl.Status()
	a.writeJSON(w, code, errorResponse{Error: err.Error(), Status: &status})
}
