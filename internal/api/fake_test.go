package api

import (
	"context"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

type fakeController struct {
	mu       sync.Mutex
	status   tunnelstate.TunnelStatus
	device   settings.DeviceState
	settings settings.Settings

	startErr  error
	stopErr   error
	reconnErr error
	setErr    error
	loginErr  error

	startCtxErr error
	loggedIn    string
	subs        []chan tunnelstate.TunnelStatus
}

func newFakeController() *fakeController {
	return &fakeController{settings: settings.Default()}
}

func (f *fakeController) Status() tunnelstate.TunnelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) publish(s tunnelstate.TunnelStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
	for _, ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (f *fakeController) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeController) Subscribe() (<-chan tunnelstate.TunnelStatus, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan tunnelstate.TunnelStatus, 1)
	ch <- f.status
	f.subs = append(f.subs, ch)
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, c := range f.subs {
			if c == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (f *fakeController) StartTunnel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The request context is cancelled as soon as the handler returns, so
	// record whether the start saw a cancellation here.
	f.startCtxErr = ctx.Err()
	if f.startErr != nil {
		f.status = f.status.WithState(tunnelstate.Error(tunnelstate.StartTunnelError()))
		return f.startErr
	}
	f.status = f.status.WithState(tunnelstate.Connected())
	f.status.Relay = "se-got-wg-001"
	return nil
}

func (f *fakeController) StopTunnel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.status = f.status.WithState(tunnelstate.Disconnected())
	return nil
}

func (f *fakeController) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnErr
}

func (f *fakeController) DeviceState() settings.DeviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device
}

func (f *fakeController) Settings() settings.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeController) SetSettings(st settings.Settings, persist bool) error {
	if err := st.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.settings = st
	return nil
}

func (f *fakeController) Login(ctx context.Context, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return f.loginErr
	}
	f.loggedIn = account
	f.device = settings.LoggedIn(
		settings.StoredAccount{Number: account, Expiry: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		settings.StoredDevice{ID: "dev-1", Name: "happy otter"},
	)
	return nil
}

func (f *fakeController) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device = settings.LoggedOut()
	return nil
}

type fakeChecker struct {
	mu       sync.Mutex
	triggers int
}

func (c *fakeChecker) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers++
}

func (c *fakeChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.triggers
}

type recordedRequest struct {
	method, route, status string
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *fakeRecorder) RecordRequest(method, route, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, recordedRequest{method, route, status})
}

func (r *fakeRecorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}
