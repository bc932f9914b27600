package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/health"
	"github.com/rennerdo30/tunnelctl/internal/logging"
)

// DefaultProbeInterval is used when NewProbeSource is given no interval.
const DefaultProbeInterval = 30 * time.Second

// ProbeSource is a Source backed by periodic health probes of the control
// plane. It reports Connecting until the first probe completes, then Ready or
// TransientFailure, and Shutdown after Close.
type ProbeSource struct {
	checker  health.Checker
	interval time.Duration
	logger   *slog.Logger
	onProbe  func(health.Result)

	mu      sync.Mutex
	state   State
	changed chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// ProbeOption configures a ProbeSource.
type ProbeOption func(*ProbeSource)

// WithProbeLogger sets the probe logger.
func WithProbeLogger(logger *slog.Logger) ProbeOption {
	return func(p *ProbeSource) {
		p.logger = logger
	}
}

// WithProbeHook calls fn with every completed probe result.
func WithProbeHook(fn func(health.Result)) ProbeOption {
	return func(p *ProbeSource) {
		p.onProbe = fn
	}
}

// NewProbeSource starts probing with checker every interval.
func NewProbeSource(checker health.Checker, interval time.Duration, opts ...ProbeOption) *ProbeSource {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &ProbeSource{
		checker:  checker,
		interval: interval,
		logger:   logging.WithComponent("connectivity.probe"),
		state:    Connecting,
		changed:  make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run(ctx)
	return p
}

// State returns the latest probe state.
func (p *ProbeSource) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// WaitForStateChange blocks until the state differs from last. It returns
// false when ctx is done or the source is shut down.
func (p *ProbeSource) WaitForStateChange(ctx context.Context, last State) bool {
	p.mu.Lock()
	if p.state != last {
		p.mu.Unlock()
		return true
	}
	if p.state == Shutdown {
		p.mu.Unlock()
		return false
	}
	changed := p.changed
	p.mu.Unlock()

	select {
	case <-changed:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops probing and moves the source to Shutdown.
func (p *ProbeSource) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		p.setState(Shutdown)
	})
	return nil
}

func (p *ProbeSource) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *ProbeSource) probe(ctx context.Context) {
	result := p.checker.Check(ctx)
	if ctx.Err() != nil {
		return
	}
	if p.onProbe != nil {
		p.onProbe(result)
	}
	if result.Healthy {
		p.setState(Ready)
		return
	}
	p.logger.Debug("control plane probe failed", "type", p.checker.Type(), "error", result.Error)
	p.setState(TransientFailure)
}

func (p *ProbeSource) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == state {
		return
	}
	p.logger.Info("control plane connectivity changed", "from", p.state.String(), "to", state.String())
	p.state = state
	close(p.changed)
	p.changed = make(chan struct{})
}
