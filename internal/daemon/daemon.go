// Package daemon wires the tunnel controller, the device check scheduler,
// the connectivity monitor and the local API into one runnable service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/api"
	"github.com/rennerdo30/tunnelctl/internal/config"
	"github.com/rennerdo30/tunnelctl/internal/connectivity"
	"github.com/rennerdo30/tunnelctl/internal/devicecheck"
	"github.com/rennerdo30/tunnelctl/internal/health"
	"github.com/rennerdo30/tunnelctl/internal/interactor"
	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/metrics"
	"github.com/rennerdo30/tunnelctl/internal/relay"
	"github.com/rennerdo30/tunnelctl/internal/rest"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnel"
)

// ErrNotStarted is returned by Stop before Start.
var ErrNotStarted = errors.New("daemon not started")

// Option configures a Daemon.
type Option func(*Daemon)

// WithConfigPath enables ReloadConfig.
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.configPath = path
	}
}

// WithTunnelFactory replaces the WireGuard tunnel factory.
func WithTunnelFactory(f tunnel.Factory) Option {
	return func(d *Daemon) {
		d.factory = f
	}
}

// WithKeys replaces the keyring-backed key store.
func WithKeys(keys settings.Keys) Option {
	return func(d *Daemon) {
		d.keys = keys
	}
}

// WithProbe replaces the connectivity health checker.
func WithProbe(c health.Checker) Option {
	return func(d *Daemon) {
		d.probe = c
	}
}

// Daemon is the tunnelctl service.
type Daemon struct {
	configPath string
	logger     *slog.Logger

	mu  sync.Mutex
	cfg config.Config

	keys      settings.Keys
	factory   tunnel.Factory
	probe     health.Checker
	client    *rest.Client
	ctrl      *interactor.Interactor
	checker   *devicecheck.Checker
	scheduler *devicecheck.Scheduler
	metrics   *metrics.Metrics
	collector *metrics.Collector
	api       *api.Server

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// checkStarted is when the scheduler last asked for check input.
	checkMu      sync.Mutex
	checkStarted time.Time
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logging.WithComponent("daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.keys == nil {
		d.keys = settings.NewKeyStore(cfg.Storage.KeyringService)
	}
	if d.factory == nil {
		mode, err := tunnel.ParseMode(cfg.Tunnel.Mode)
		if err != nil {
			return nil, err
		}
		d.factory = tunnel.NewWireGuardFactory(mode,
			tunnel.WithInterfaceName(cfg.Tunnel.InterfaceName),
			tunnel.WithLogger(logging.WithComponent("tunnel")),
		)
	}

	client, err := newRestClient(&cfg)
	if err != nil {
		return nil, err
	}
	d.client = client

	if cfg.Metrics.Enabled {
		d.metrics = metrics.New()
		d.collector = metrics.NewCollector(d.metrics)
	}

	selector := relay.NewSelector(client,
		relay.WithCache(relay.NewCache(cfg.Relays.CacheTTL.Duration())),
		relay.WithLogger(logging.WithComponent("relay")),
	)

	ictlOpts := []interactor.Option{
		interactor.WithAccountService(client),
		interactor.WithDNSProbeTimeout(cfg.Tunnel.DNSProbeTimeout.Duration()),
	}
	if d.collector != nil {
		ictlOpts = append(ictlOpts, interactor.WithObserver(d.collector))
	}
	store := settings.NewFileStore(cfg.Storage.Dir)
	d.ctrl, err = interactor.New(store, d.keys, selector, d.factory, ictlOpts...)
	if err != nil {
		return nil, fmt.Errorf("create interactor: %w", err)
	}
	if err := d.applyDefaultMTU(); err != nil {
		return nil, err
	}

	d.checker = devicecheck.NewChecker(client, cfg.DeviceCheck.CheckConfig())
	d.scheduler, err = devicecheck.NewScheduler(d.checker,
		cfg.DeviceCheck.Interval.Duration(),
		cfg.DeviceCheck.BackoffPolicy(),
		d.checkInput,
		d.onCheckResult,
	)
	if err != nil {
		return nil, fmt.Errorf("create device check scheduler: %w", err)
	}

	if d.probe == nil {
		d.probe, err = newProbe(&cfg)
		if err != nil {
			return nil, fmt.Errorf("create connectivity probe: %w", err)
		}
	}

	apiCfg := api.Config{
		Controller: d.ctrl,
		Checker:    d.scheduler,
		Token:      cfg.API.Token,
		Logger:     logging.WithComponent("api"),
	}
	if d.metrics != nil {
		apiCfg.Metrics = d.metrics.Handler()
		apiCfg.Recorder = d.collector
	}
	d.api = api.NewServer(api.New(apiCfg), cfg.API.Listen)

	return d, nil
}

func newRestClient(cfg *config.Config) (*rest.Client, error) {
	opts := []rest.ClientOption{
		rest.WithBaseURL(cfg.ControlPlane.BaseURL),
		rest.WithTimeout(cfg.ControlPlane.Timeout.Duration()),
		rest.WithLogger(logging.WithComponent("rest")),
	}
	if cfg.Relays.ListURL != "" {
		opts = append(opts, rest.WithRelayListURL(cfg.Relays.ListURL))
	}

	if cfg.ControlPlane.AddressCache.Enabled {
		host, _, err := cfg.ControlPlaneHost()
		if err != nil {
			return nil, err
		}
		var fallback netip.AddrPort
		if fb := cfg.ControlPlane.AddressCache.Fallback; fb != "" {
			fallback, err = netip.ParseAddrPort(fb)
			if err != nil {
				return nil, fmt.Errorf("address cache fallback: %w", err)
			}
		}
		cache, err := rest.LoadAddressCache(cfg.AddressCachePath(), host, fallback)
		if err != nil {
			return nil, fmt.Errorf("load address cache: %w", err)
		}
		opts = append(opts, rest.WithAddressCache(cache))
	}

	return rest.NewClient(opts...), nil
}

func newProbe(cfg *config.Config) (health.Checker, error) {
	hc := health.Config{
		Type:    cfg.Connectivity.Type,
		Target:  cfg.ConnectivityTarget(),
		Timeout: cfg.Connectivity.Timeout.Duration(),
	}
	if hc.Type == "http" {
		if u, err := url.Parse(cfg.ControlPlane.BaseURL); err == nil {
			hc.Scheme = u.Scheme
		}
	}
	return health.New(hc)
}

// applyDefaultMTU uses the configured MTU while the user has not chosen one.
func (d *Daemon) applyDefaultMTU() error {
	if d.cfg.Tunnel.MTU == 0 {
		return nil
	}
	st := d.ctrl.Settings()
	if st.Tunnel.MTU != 0 && st.Tunnel.MTU != settings.DefaultMTU {
		return nil
	}
	st.Tunnel.MTU = d.cfg.Tunnel.MTU
	return d.ctrl.SetSettings(st, false)
}

func (d *Daemon) checkInput() (devicecheck.Input, bool) {
	in, ok := d.ctrl.DeviceCheckInput()
	if ok {
		d.checkMu.Lock()
		d.checkStarted = time.Now()
		d.checkMu.Unlock()
	}
	return in, ok
}

func (d *Daemon) onCheckResult(r devicecheck.Result) {
	if d.collector != nil {
		d.checkMu.Lock()
		started := d.checkStarted
		d.checkMu.Unlock()
		d.collector.RecordDeviceCheck(r, time.Since(started))
	}

	d.logger.Debug("device check finished",
		"device", r.DeviceID,
		"account_verdict", r.Account.String(),
		"device_verdict", r.Device.String(),
		"rotation", r.Rotation.String(),
	)
	if err := d.ctrl.ApplyDeviceCheck(r); err != nil {
		d.logger.Warn("failed to apply device check", "device", r.DeviceID, "error", err)
	}
}

// Controller returns the tunnel controller.
func (d *Daemon) Controller() *interactor.Interactor { return d.ctrl }

// APIAddr returns the address the API listens on, once started.
func (d *Daemon) APIAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Start binds the API and starts the background loops.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.New("daemon already started")
	}

	ln, err := net.Listen("tcp", d.cfg.API.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.API.Listen, err)
	}
	d.listener = ln
	if d.cfg.API.Token == "" && !isLoopback(ln.Addr()) {
		d.logger.Warn("api listens on a non-loopback address without a token", "address", ln.Addr().String())
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.collector != nil {
		d.collector.Start()
	}

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		d.scheduler.Run(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.watchConnectivity(ctx)
	}()
	go func() {
		defer d.wg.Done()
		if err := d.api.Serve(ln); err != nil {
			d.logger.Error("api server error", "error", err)
		}
	}()

	d.logger.Info("tunnelctl daemon started",
		"api", ln.Addr().String(),
		"device", d.ctrl.DeviceState().Kind().String(),
	)
	return nil
}

func (d *Daemon) watchConnectivity(ctx context.Context) {
	var probeOpts []connectivity.ProbeOption
	probeOpts = append(probeOpts, connectivity.WithProbeLogger(logging.WithComponent("connectivity")))
	if d.collector != nil {
		probeOpts = append(probeOpts, connectivity.WithProbeHook(d.collector.RecordProbe))
	}
	src := connectivity.NewProbeSource(d.probe, d.cfg.Connectivity.Interval.Duration(), probeOpts...)

	sub := connectivity.Watch(ctx, src)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-sub.C():
			if !ok {
				return
			}
			status := d.ctrl.ApplyConnectivity(state)
			if d.collector != nil {
				d.collector.RecordConnectivity(state)
			}
			d.logger.Debug("connectivity changed", "state", state.String(), "tunnel", status.State.String())
		}
	}
}

// Stop shuts the API down, stops the loops and tears down the tunnel.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return ErrNotStarted
	}

	var errs []error
	if err := d.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown api: %w", err))
	}
	cancel()
	d.wg.Wait()

	d.ctrl.Close()
	if d.collector != nil {
		d.collector.Stop()
	}

	d.logger.Info("tunnelctl daemon stopped")
	return errors.Join(errs...)
}

// ReloadConfig re-reads the configuration file. Only the logging section is
// applied; changes elsewhere are reported and need a restart.
func (d *Daemon) ReloadConfig() error {
	if d.configPath == "" {
		return errors.New("config path not set - cannot reload")
	}

	next, err := config.LoadConfig(d.configPath)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := logging.Setup(next.Logging); err != nil {
		return fmt.Errorf("apply logging config: %w", err)
	}
	for _, section := range changedSections(d.cfg, next) {
		d.logger.Warn("configuration change requires restart", "section", section)
	}
	d.cfg.Logging = next.Logging

	d.logger.Info("configuration reloaded")
	return nil
}

// changedSections names the non-logging sections that differ.
func changedSections(old, next config.Config) []string {
	var changed []string
	if old.API != next.API {
		changed = append(changed, "api")
	}
	if old.ControlPlane != next.ControlPlane {
		changed = append(changed, "control_plane")
	}
	if old.DeviceCheck != next.DeviceCheck {
		changed = append(changed, "device_check")
	}
	if old.Connectivity != next.Connectivity {
		changed = append(changed, "connectivity")
	}
	if old.Tunnel != next.Tunnel {
		changed = append(changed, "tunnel")
	}
	if old.Relays != next.Relays {
		changed = append(changed, "relays")
	}
	if old.Storage != next.Storage {
		changed = append(changed, "storage")
	}
	if old.Metrics != next.Metrics {
		changed = append(changed, "metrics")
	}
	return changed
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}
