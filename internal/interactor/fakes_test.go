package interactor

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelctl/internal/relay"
	"github.com/rennerdo30/tunnelctl/internal/rest"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnel"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

var errDiskFull = errors.New("no space left on device")

type memStore struct {
	mu       sync.Mutex
	settings settings.Settings
	device   settings.DeviceState
	last     string
	saveErr  error
	saves    int
}

func (m *memStore) LoadSettings() (settings.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *memStore) SaveSettings(s settings.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.settings = s
	return nil
}

func (m *memStore) LoadDeviceState() (settings.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device, nil
}

func (m *memStore) SaveDeviceState(d settings.DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.device = d
	return nil
}

func (m *memStore) LastUsedAccount() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *memStore) SetLastUsedAccount(a string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = a
	return nil
}

func (m *memStore) RemoveLastUsedAccount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = ""
	return nil
}

type memKeys struct {
	mu   sync.Mutex
	keys map[string]wgkey.PrivateKey

	// When set, StorePrivateKey signals storeEntered and waits for
	// storeRelease before storing.
	storeEntered chan struct{}
	storeRelease chan struct{}
	deleteErr    error
}

func newMemKeys() *memKeys { return &memKeys{keys: make(map[string]wgkey.PrivateKey)} }

func (m *memKeys) PrivateKey(id string) (wgkey.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return wgkey.PrivateKey{}, settings.ErrKeyNotFound
	}
	return k, nil
}

func (m *memKeys) StorePrivateKey(id string, k wgkey.PrivateKey) error {
	if m.storeEntered != nil {
		m.storeEntered <- struct{}{}
		<-m.storeRelease
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = k
	return nil
}

func (m *memKeys) DeletePrivateKey(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.keys[id]; !ok {
		return settings.ErrKeyNotFound
	}
	delete(m.keys, id)
	return nil
}

type fakeSelector struct {
	fn func(ctx context.Context, st settings.Settings) (*relay.SelectedRelays, error)
}

func (f *fakeSelector) SelectRelays(ctx context.Context, st settings.Settings) (*relay.SelectedRelays, error) {
	return f.fn(ctx, st)
}

type fakeTunnel struct {
	mu           sync.Mutex
	cfg          tunnel.Config
	startErr     error
	onStart      func()
	running      bool
	starts       int
	stops        int
	reconfigured []tunnel.Config
}

func (f *fakeTunnel) Name() string { return "fake:" + f.cfg.Relay }

func (f *fakeTunnel) Start(context.Context) error {
	if f.onStart != nil {
		f.onStart()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeTunnel) Reconfigure(cfg tunnel.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	f.reconfigured = append(f.reconfigured, cfg)
	return nil
}

func (f *fakeTunnel) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeTunnel) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeFactory struct {
	mu       sync.Mutex
	created  []*fakeTunnel
	startErr error
	onStart  func()
}

func (f *fakeFactory) factory(cfg tunnel.Config) (tunnel.Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTunnel{cfg: cfg, startErr: f.startErr, onStart: f.onStart}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.created {
		if t.isRunning() {
			n++
		}
	}
	return n
}

func (f *fakeFactory) last() *fakeTunnel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

type fakeAccounts struct {
	mu        sync.Mutex
	expiry    time.Time
	accErr    error
	devices   map[string]wgkey.Key
	removed   []string
	removeErr error
}

func (f *fakeAccounts) GetAccountData(_ context.Context, _ string) (*rest.Account, error) {
	if f.accErr != nil {
		return nil, f.accErr
	}
	return &rest.Account{ID: "acct", Expiry: f.expiry}, nil
}

func (f *fakeAccounts) CreateDevice(_ context.Context, _ string, key wgkey.Key) (*rest.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices["dev-new"] = key
	return &rest.Device{
		ID:          "dev-new",
		Name:        "brave hippo",
		PublicKey:   key,
		IPv4Address: netip.MustParsePrefix("10.139.0.9/32"),
	}, nil
}

func (f *fakeAccounts) RemoveDevice(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.devices, id)
	return f.removeErr
}

// stateRecorder records every state change.
type stateRecorder struct {
	mu     sync.Mutex
	states []tunnelstate.TunnelState
}

func (r *stateRecorder) ObserveStatus(old, updated tunnelstate.TunnelStatus) {
	if old.State.Equal(updated.State) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, updated.State)
}

func (r *stateRecorder) kinds() []tunnelstate.StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tunnelstate.StateKind, len(r.states))
	for i, s := range r.states {
		out[i] = s.Kind()
	}
	return out
}

const testAccount = "1234123412341234"

type harness struct {
	it       *Interactor
	store    *memStore
	keys     *memKeys
	selector *fakeSelector
	factory  *fakeFactory
	accounts *fakeAccounts
	recorder *stateRecorder
	peer     wgkey.Pair
	key      wgkey.Pair
}

func testSelected(peer wgkey.Key) *relay.SelectedRelays {
	exit := relay.Relay{
		Hostname:   "se-got-wg-001",
		IPv4AddrIn: netip.MustParseAddr("185.213.154.68"),
		PublicKey:  peer,
		Active:     true,
		Weight:     100,
	}
	return &relay.SelectedRelays{Exit: exit, Endpoint: exit.Endpoint(false)}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	peer, err := wgkey.Generate()
	require.NoError(t, err)
	key, err := wgkey.Generate()
	require.NoError(t, err)

	h := &harness{
		store: &memStore{
			settings: settings.Default(),
			device: settings.LoggedIn(
				settings.StoredAccount{Number: testAccount, Expiry: time.Now().Add(30 * 24 * time.Hour)},
				settings.StoredDevice{
					ID:          "dev-1",
					Name:        "happy otter",
					PublicKey:   key.Public,
					KeyCreated:  time.Now().Add(-time.Hour),
					IPv4Address: netip.MustParsePrefix("10.139.2.7/32"),
				},
			),
			last: testAccount,
		},
		keys:     newMemKeys(),
		factory:  &fakeFactory{},
		accounts: &fakeAccounts{expiry: time.Now().Add(time.Hour), devices: map[string]wgkey.Key{}},
		recorder: &stateRecorder{},
		peer:     peer,
		key:      key,
	}
	h.selector = &fakeSelector{fn: func(context.Context, settings.Settings) (*relay.SelectedRelays, error) {
		return testSelected(peer.Public), nil
	}}
	require.NoError(t, h.keys.StorePrivateKey("dev-1", key.Private))

	opts = append([]Option{WithObserver(h.recorder), WithAccountService(h.accounts)}, opts...)
	h.it, err = New(h.store, h.keys, h.selector, h.factory.factory, opts...)
	require.NoError(t, err)
	t.Cleanup(h.it.Close)
	return h
}
