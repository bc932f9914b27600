package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// Mode selects how the WireGuard device reaches the network stack.
type Mode string

const (
	// ModeNetstack runs a userspace network stack and needs no privileges.
	ModeNetstack Mode = "netstack"
	// ModeTUN creates a kernel TUN interface. Interface addresses and routes
	// are left to the platform.
	ModeTUN Mode = "tun"
)

// DefaultInterfaceName is the TUN interface name in ModeTUN.
const DefaultInterfaceName = "wg-tunnelctl"

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNetstack, "":
		return ModeNetstack, nil
	case ModeTUN:
		return ModeTUN, nil
	}
	return "", fmt.Errorf("unknown tunnel mode %q", s)
}

// WireGuard is a Tunnel backed by wireguard-go.
type WireGuard struct {
	mode   Mode
	ifname string
	logger *slog.Logger

	mu      sync.Mutex
	cfg     Config
	device  *device.Device
	tnet    *netstack.Net
	running bool
}

// WireGuardOption configures a WireGuard tunnel.
type WireGuardOption func(*WireGuard)

// WithInterfaceName sets the TUN interface name.
func WithInterfaceName(name string) WireGuardOption {
	return func(w *WireGuard) {
		if name != "" {
			w.ifname = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WireGuardOption {
	return func(w *WireGuard) {
		w.logger = logger
	}
}

// NewWireGuard creates a stopped WireGuard tunnel.
func NewWireGuard(mode Mode, cfg Config, opts ...WireGuardOption) *WireGuard {
	w := &WireGuard{
		mode:   mode,
		ifname: DefaultInterfaceName,
		logger: logging.WithComponent("tunnel"),
		cfg:    cfg.Clone(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewWireGuardFactory returns a Factory producing WireGuard tunnels.
func NewWireGuardFactory(mode Mode, opts ...WireGuardOption) Factory {
	return func(cfg Config) (Tunnel, error) {
		return NewWireGuard(mode, cfg, opts...), nil
	}
}

// Name returns the interface name, or the relay for netstack tunnels.
func (w *WireGuard) Name() string {
	if w.mode == ModeTUN {
		return w.ifname
	}
	return "netstack:" + w.cfg.Relay
}

// Net returns the userspace network of a running netstack tunnel.
func (w *WireGuard) Net() (*netstack.Net, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tnet, w.tnet != nil
}

// Start creates the device and brings it up.
func (w *WireGuard) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tunDev, tnet, err := w.createTUN()
	if err != nil {
		return err
	}

	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), w.deviceLogger())
	if err := dev.IpcSet(ipcConfig(w.cfg, false)); err != nil {
		dev.Close()
		return &Error{Op: "configure device", Err: err}
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return &Error{Op: "bring up device", Err: err}
	}

	w.device = dev
	w.tnet = tnet
	w.running = true
	w.logger.Info("tunnel started",
		"mode", string(w.mode),
		"relay", w.cfg.Relay,
		"endpoint", w.cfg.Endpoint.String(),
		"public_key", w.cfg.PrivateKey.Public().String(),
	)
	return nil
}

func (w *WireGuard) createTUN() (tun.Device, *netstack.Net, error) {
	switch w.mode {
	case ModeNetstack:
		addrs := make([]netip.Addr, 0, len(w.cfg.Addresses))
		for _, p := range w.cfg.Addresses {
			addrs = append(addrs, p.Addr())
		}
		tunDev, tnet, err := netstack.CreateNetTUN(addrs, w.cfg.DNS, w.cfg.MTU)
		if err != nil {
			return nil, nil, &Error{Op: "create netstack", Err: err}
		}
		return tunDev, tnet, nil
	case ModeTUN:
		if err := checkTUNPermission(); err != nil {
			return nil, nil, &Error{Op: "create tun", Err: err}
		}
		tunDev, err := tun.CreateTUN(w.ifname, w.cfg.MTU)
		if err != nil {
			if errors.Is(err, os.ErrPermission) {
				err = fmt.Errorf("%w: %w", tunnelstate.ErrVPNPermissionDenied, err)
			}
			return nil, nil, &Error{Op: "create tun", Err: err}
		}
		return tunDev, nil, nil
	}
	return nil, nil, &Error{Op: "create tun", Err: fmt.Errorf("unknown mode %q", w.mode)}
}

func (w *WireGuard) deviceLogger() *device.Logger {
	return &device.Logger{
		Verbosef: func(format string, args ...any) {
			w.logger.Debug(fmt.Sprintf(format, args...))
		},
		Errorf: func(format string, args ...any) {
			w.logger.Warn(fmt.Sprintf(format, args...))
		},
	}
}

// Reconfigure replaces the peer and key of a running tunnel. Address, DNS
// and MTU changes take effect on the next Start.
func (w *WireGuard) Reconfigure(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cfg = cfg.Clone()
	if !w.running {
		return nil
	}
	if err := w.device.IpcSet(ipcConfig(w.cfg, true)); err != nil {
		return &Error{Op: "reconfigure device", Err: err}
	}
	w.logger.Info("tunnel reconfigured", "relay", w.cfg.Relay, "endpoint", w.cfg.Endpoint.String())
	return nil
}

// Stop closes the device. Stopping a stopped tunnel is a no-op.
func (w *WireGuard) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.device.Close()
	w.device = nil
	w.tnet = nil
	w.running = false
	w.logger.Info("tunnel stopped", "relay", w.cfg.Relay)
	return nil
}

// ipcConfig renders cfg in the wireguard-go UAPI format. Keys are hex.
func ipcConfig(cfg Config, replace bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", cfg.PrivateKey.Hex())
	if replace {
		b.WriteString("replace_peers=true\n")
	}
	fmt.Fprintf(&b, "public_key=%s\n", cfg.PeerPublicKey.Hex())
	if cfg.Endpoint.IsValid() {
		fmt.Fprintf(&b, "endpoint=%s\n", cfg.Endpoint)
	}
	if cfg.Keepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", cfg.Keepalive)
	}
	b.WriteString("replace_allowed_ips=true\n")
	for _, p := range cfg.AllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", p)
	}
	return b.String()
}
