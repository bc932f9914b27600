package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/connectivity"
	"github.com/rennerdo30/tunnelctl/internal/devicecheck"
	"github.com/rennerdo30/tunnelctl/internal/health"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// Collector feeds daemon events into Metrics and refreshes the system
// gauges periodically.
type Collector struct {
	metrics   *Metrics
	startTime time.Time
	interval  time.Duration
	ticker    *time.Ticker
	done      chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics) *Collector {
	return &Collector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  15 * time.Second,
	}
}

// Start starts the metrics collector.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.interval)

	go c.collectLoop(c.ticker, c.done)
}

// Stop stops the metrics collector.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

func (c *Collector) collectLoop(ticker *time.Ticker, done <-chan struct{}) {
	c.collect()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.metrics.Uptime.Set(time.Since(c.startTime).Seconds())
	c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))
}

// ObserveStatus records a tunnel status change. It satisfies the interactor
// observer hook and does not block.
func (c *Collector) ObserveStatus(old, updated tunnelstate.TunnelStatus) {
	if updated.Network != old.Network {
		c.recordReachability(updated.Network)
	}
	if old.State.Equal(updated.State) {
		return
	}
	from, to := old.State.Kind(), updated.State.Kind()
	c.metrics.TunnelTransitions.WithLabelValues(from.String(), to.String()).Inc()
	c.metrics.setTunnelState(to)
	if cause, ok := updated.State.Cause(); ok {
		c.metrics.TunnelErrors.WithLabelValues(cause.Kind().String()).Inc()
	}
}

func (c *Collector) recordReachability(r tunnelstate.Reachability) {
	switch r {
	case tunnelstate.Reachable:
		c.metrics.ControlPlaneReachable.Set(1)
	case tunnelstate.Unreachable:
		c.metrics.ControlPlaneReachable.Set(0)
	case tunnelstate.ReachabilityUnknown:
	}
}

// RecordDeviceCheck records a completed device check.
func (c *Collector) RecordDeviceCheck(r devicecheck.Result, duration time.Duration) {
	c.metrics.DeviceChecks.WithLabelValues(r.Account.String(), r.Device.String()).Inc()
	c.metrics.DeviceCheckDuration.Observe(duration.Seconds())
	if r.Rotation != devicecheck.RotationNotAttempted {
		c.metrics.KeyRotations.WithLabelValues(r.Rotation.String()).Inc()
	}
}

// RecordConnectivity records a connectivity state observation.
func (c *Collector) RecordConnectivity(state connectivity.State) {
	c.metrics.setConnectivityState(state)
}

// RecordProbe records a reachability probe result.
func (c *Collector) RecordProbe(r health.Result) {
	if r.Healthy {
		c.metrics.ConnectivityProbeLatency.Observe(r.Latency.Seconds())
	}
}

// RecordRequest records a local API request.
func (c *Collector) RecordRequest(method, route, status string, duration time.Duration) {
	c.metrics.RequestsTotal.WithLabelValues(method, route, status).Inc()
	c.metrics.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
