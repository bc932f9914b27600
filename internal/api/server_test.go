package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/rennerdo30/tunnelctl/internal/interactor"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

const testToken = "test-token"

func newTestAPI(t *testing.T, mutate func(*Config)) (*API, *fakeController, *fakeChecker) {
	t.Helper()
	ctrl := newFakeController()
	checker := &fakeChecker{}
	cfg := Config{
		Controller: ctrl,
		Checker:    checker,
		Token:      testToken,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), ctrl, checker
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) tunnelstate.TunnelStatus {
	t.Helper()
	var s tunnelstate.TunnelStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	return s
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func loggedIn() settings.DeviceState {
	return settings.LoggedIn(
		settings.StoredAccount{Number: "1234567890123456"},
		settings.StoredDevice{ID: "dev-1", Name: "happy otter"},
	)
}

func TestNew_Defaults(t *testing.T) {
	api := New(Config{})
	require.NotNil(t, api)
	assert.NotNil(t, api.logger)
	assert.Equal(t, 30*time.Second, api.timeout)
}

func TestAPI_HealthWithoutAuth(t *testing.T) {
	api, _, _ := newTestAPI(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestAPI_Auth(t *testing.T) {
	api, _, _ := newTestAPI(t, nil)
	h := api.Router()

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", "", http.StatusUnauthorized},
		{"bearer", "Bearer " + testToken, "", http.StatusOK},
		{"raw header", testToken, "", http.StatusOK},
		{"query", "", "?token=" + testToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/status"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAPI_NoTokenDisablesAuth(t *testing.T) {
	api, _, _ := newTestAPI(t, func(c *Config) { c.Token = "" })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Version(t *testing.T) {
	api, _, _ := newTestAPI(t, nil)

	rec := do(t, api.Router(), http.MethodGet, "/api/v1/version", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "tunnelctl", info["name"])
	assert.NotEmpty(t, info["go_version"])
}

func TestAPI_Status(t *testing.T) {
	api, ctrl, _ := newTestAPI(t, nil)
	ctrl.status = tunnelstate.TunnelStatus{
		State:   tunnelstate.Error(tunnelstate.IsOffline()),
		Network: tunnelstate.Unreachable,
	}

	rec := do(t, api.Router(), http.MethodGet, "/api/v1/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	got := decodeStatus(t, rec)
	assert.True(t, got.Equal(ctrl.status), "got %+v", got)
}

func TestAPI_Connect(t *testing.T) {
	api, ctrl, _ := newTestAPI(t, nil)

	rec := do(t, api.Router(), http.MethodPost, "/api/v1/connect", "")

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeStatus(t, rec)
	assert.Equal(t, tunnelstate.KindConnected, got.State.Kind())
	assert.Equal(t, "se-got-wg-001", got.Relay)
	assert.NoError(t, ctrl.startCtxErr)
}

func TestAPI_ConnectErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not logged in", interactor.ErrNotLoggedIn, http.StatusConflict},
		{"revoked", interactor.ErrDeviceRevoked, http.StatusForbidden},
		{"superseded", interactor.ErrSuperseded, http.StatusConflict},
		{"failure", errors.New("tunnel device busy"), http.StatusInternalServerError},
		{"timeout", fmt.Errorf("select relay: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, ctrl, _ := newTestAPI(t, nil)
			ctrl.startErr = tt.err

			rec := do(t, api.Router(), http.MethodPost, "/api/v1/connect", "")

			assert.Equal(t, tt.want, rec.Code)
			e := decodeError(t, rec)
			assert.Equal(t, tt.err.Error(), e.Error)
			require.NotNil(t, e.Status)
			assert.True(t, e.Status.State.IsError())
		})
	}
}

func TestAPI_Disconnect(t *testing.T) {
	api, ctrl, _ := newTestAPI(t, nil)
	ctrl.status = tunnelstate.TunnelStatus{State: tunnelstate.Connected(), Relay: "se-got-wg-001"}

	rec := do(t, api.Router(), http.MethodPost, "/api/v1/disconnect", "")

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeStatus(t, rec)
	assert.Equal(t, tunnelstate.KindDisconnected, got.State.Kind())
	assert.Empty(t, got.Relay)
}

func TestAPI_Reconnect(t *testing.T) {
	api, ctrl, _ := newTestAPI(t, nil)

	ctrl.reconnErr = interactor.ErrNotConnected
	rec := do(t, api.Router(), http.MethodPost, "/api/v1/reconnect", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	ctrl.reconnErr = nil
	rec = do(t, api.Router(), http.MethodPost, "/api/v1/reconnect", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Device(t *testing.T) {
	api, ctrl, _ := newTestAPI(t, nil)

	rec := do(t, api.Router(), http.MethodGet, "/api/v1/device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DeviceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "logged_out", resp.State)
	assert.Empty(t, resp.Account)

	ctrl.device = loggedIn()
	rec = do(t, api.Router(), http.MethodGet, "/api/v1/device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "logged_in", resp.State)
	assert.Equal(t, "************3456", resp.Account)
	assert.Equal(t, "dev-1", resp.DeviceID)
	assert.Equal(t, "happy otter", resp.DeviceName)
	assert.NotContains(t, rec.Body.String(), "1234567890123456")
}

func TestAPI_DeviceCheck(t *testing.T) {
	api, ctrl, checker := newTestAPI(t, nil)
	h := api.Router()

	rec := do(t, h, http.MethodPost, "/api/v1/device/check", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, checker.count())

	ctrl.device = loggedIn()
	rec = do(t, h, http.MethodPost, "/api/v1/device/check", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, checker.count())
}

func TestAPI_DeviceCheckUnavailable(t *testing.T) {
	api, ctrl, _ := newTestAPI(t, func(c *Config) { c.Checker = nil })
	ctrl.device = loggedIn()

	rec := do(t, api.Router(), http.MethodPost, "/api/v1/device/check", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPI_Settings(t *testing.T) {
	api, ctrl, _ := newTestAPI(t, nil)
	h := api.Router()

	rec := do(t, h, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st settings.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, settings.DefaultMTU, st.Tunnel.MTU)

	body := `{"relays":{"country":"se"},"tunnel":{"mtu":1400,"enable_ipv6":true,"dns":{"use_custom":true,"servers":["9.9.9.9"]}}}`
	rec = do(t, h, http.MethodPut, "/api/v1/settings", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "se", ctrl.settings.Relays.Country)
	assert.Equal(t, 1400, ctrl.settings.Tunnel.MTU)
	require.Len(t, ctrl.settings.Tunnel.DNS.Servers, 1)
	assert.Equal(t, "9.9.9.9", ctrl.settings.Tunnel.DNS.Servers[0].String())
}

func TestAPI_SettingsErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		setErr error
		want   int
	}{
		{"malformed", `{"tunnel":`, nil, http.StatusBadRequest},
		{"unknown field", `{"colour":"blue"}`, nil, http.StatusBadRequest},
		{"invalid mtu", `{"tunnel":{"mtu":9000}}`, nil, http.StatusBadRequest},
		{"persist failure", `{"tunnel":{"mtu":1400}}`, fmt.Errorf("%w settings: disk full", interactor.ErrPersistence), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, ctrl, _ := newTestAPI(t, nil)
			ctrl.setErr = tt.setErr

			rec := do(t, api.Router(), http.MethodPut, "/api/v1/settings", tt.body)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, settings.DefaultMTU, ctrl.settings.Tunnel.MTU)
		})
	}
}

func TestAPI_LoginLogout(t *testing.T) {
	api, ctrl, _ := newTestAPI(t, nil)
	h := api.Router()

	rec := do(t, h, http.MethodPost, "/api/v1/account/login", `{"account":"1234567890123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1234567890123456", ctrl.loggedIn)
	var resp DeviceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "logged_in", resp.State)
	assert.Equal(t, "************3456", resp.Account)
	require.NotNil(t, resp.AccountExpiry)

	rec = do(t, h, http.MethodPost, "/api/v1/account/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "logged_out", resp.State)
}

func TestAPI_LoginErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		loginErr error
		want     int
	}{
		{"missing account", `{}`, nil, http.StatusBadRequest},
		{"already logged in", `{"account":"1234567890123456"}`, interactor.ErrAlreadyLoggedIn, http.StatusConflict},
		{"expired", `{"account":"1234567890123456"}`, fmt.Errorf("login: %w", tunnelstate.ErrAccountExpired), http.StatusForbidden},
		{"no account service", `{"account":"1234567890123456"}`, interactor.ErrNoAccountService, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, ctrl, _ := newTestAPI(t, nil)
			ctrl.loginErr = tt.loginErr

			rec := do(t, api.Router(), http.MethodPost, "/api/v1/account/login", tt.body)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAPI_LoginRateLimited(t *testing.T) {
	api, _, _ := newTestAPI(t, nil)
	h := api.Router()

	login := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/account/login", strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for range accountBurst {
		assert.Equal(t, http.StatusBadRequest, login("192.0.2.1:5000"))
	}
	assert.Equal(t, http.StatusTooManyRequests, login("192.0.2.1:5001"))
	assert.Equal(t, http.StatusBadRequest, login("192.0.2.2:5000"))
}

func TestAPI_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tunnelctl_up 1\n"))
	})
	recorder := &fakeRecorder{}
	api, _, _ := newTestAPI(t, func(c *Config) {
		c.Metrics = metrics
		c.Recorder = recorder
	})
	h := api.Router()

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tunnelctl_up")

	do(t, h, http.MethodGet, "/api/v1/status", "")
	do(t, h, http.MethodPost, "/api/v1/device/check", "")

	reqs := recorder.all()
	require.Len(t, reqs, 3)
	assert.Equal(t, recordedRequest{"GET", "/api/v1/status", "200"}, reqs[1])
	assert.Equal(t, recordedRequest{"POST", "/api/v1/device/check", "409"}, reqs[2])
}

func TestAPI_MetricsNotConfigured(t *testing.T) {
	api, _, _ := newTestAPI(t, nil)

	rec := do(t, api.Router(), http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func dialWS(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?token=" + token
	return websocket.Dial(url, "", "http://localhost/")
}

func TestAPI_WebSocketStatusStream(t *testing.T) {
	api, ctrl, _ := newTestAPI(t, nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	ws, err := dialWS(t, srv, testToken)
	require.NoError(t, err)

	require.NoError(t, ws.SetDeadline(time.Now().Add(5*time.Second)))
	var ev Event
	require.NoError(t, websocket.JSON.Receive(ws, &ev))
	assert.Equal(t, EventTunnelStatus, ev.Type)
	assert.NotEmpty(t, ev.Timestamp)
	assert.Equal(t, tunnelstate.KindDisconnected, ev.Data.State.Kind())

	require.Eventually(t, func() bool { return ctrl.subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	ctrl.publish(tunnelstate.TunnelStatus{State: tunnelstate.Connected(), Relay: "se-got-wg-001"})

	require.NoError(t, websocket.JSON.Receive(ws, &ev))
	assert.Equal(t, tunnelstate.KindConnected, ev.Data.State.Kind())
	assert.Equal(t, "se-got-wg-001", ev.Data.Relay)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return ctrl.subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAPI_WebSocketPing(t *testing.T) {
	api, _, _ := newTestAPI(t, nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	ws, err := dialWS(t, srv, testToken)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetDeadline(time.Now().Add(5*time.Second)))

	var initial string
	require.NoError(t, websocket.Message.Receive(ws, &initial))
	assert.Contains(t, initial, EventTunnelStatus)

	require.NoError(t, websocket.Message.Send(ws, "ping"))
	var reply string
	require.NoError(t, websocket.Message.Receive(ws, &reply))
	assert.Equal(t, "pong", reply)
}

func TestAPI_WebSocketRequiresToken(t *testing.T) {
	api, _, _ := newTestAPI(t, nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	_, err := dialWS(t, srv, "wrong")
	assert.Error(t, err)
}

func TestServer_ServeShutdown(t *testing.T) {
	api, _, _ := newTestAPI(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(api, ln.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}
