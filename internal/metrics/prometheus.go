// Package metrics provides Prometheus metrics for tunnelctl.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rennerdo30/tunnelctl/internal/connectivity"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// Metrics holds all Prometheus metrics for tunnelctl.
type Metrics struct {
	// Tunnel metrics
	TunnelState       *prometheus.GaugeVec
	TunnelTransitions *prometheus.CounterVec
	TunnelErrors      *prometheus.CounterVec

	// Device check metrics
	DeviceChecks        *prometheus.CounterVec
	DeviceCheckDuration prometheus.Histogram
	KeyRotations        *prometheus.CounterVec

	// Connectivity metrics
	ConnectivityState        *prometheus.GaugeVec
	ControlPlaneReachable    prometheus.Gauge
	ConnectivityProbeLatency prometheus.Histogram

	// Local API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// System metrics
	Uptime     prometheus.Gauge
	GoRoutines prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.TunnelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnelctl_tunnel_state",
			Help: "Current tunnel state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	m.TunnelTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelctl_tunnel_transitions_total",
			Help: "Total number of tunnel state transitions",
		},
		[]string{"from", "to"},
	)

	m.TunnelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelctl_tunnel_errors_total",
			Help: "Total number of entries into the error state by cause",
		},
		[]string{"cause"},
	)

	m.DeviceChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelctl_device_checks_total",
			Help: "Total number of completed device checks by verdict",
		},
		[]string{"account", "device"},
	)

	m.DeviceCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunnelctl_device_check_duration_seconds",
			Help:    "Duration of device checks",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	m.KeyRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelctl_key_rotations_total",
			Help: "Total number of device key rotation attempts by result",
		},
		[]string{"result"},
	)

	m.ConnectivityState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnelctl_connectivity_state",
			Help: "Current control-plane connectivity state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	m.ControlPlaneReachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelctl_control_plane_reachable",
			Help: "Whether the control plane is reachable (1 = reachable, 0 = unreachable)",
		},
	)

	m.ConnectivityProbeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunnelctl_connectivity_probe_latency_seconds",
			Help:    "Latency of control-plane reachability probes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelctl_api_requests_total",
			Help: "Total number of local API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunnelctl_api_request_duration_seconds",
			Help:    "Duration of local API requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"method", "route"},
	)

	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelctl_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
	)

	m.GoRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelctl_goroutines",
			Help: "Number of goroutines",
		},
	)

	m.registry.MustRegister(
		m.TunnelState,
		m.TunnelTransitions,
		m.TunnelErrors,
		m.DeviceChecks,
		m.DeviceCheckDuration,
		m.KeyRotations,
		m.ConnectivityState,
		m.ControlPlaneReachable,
		m.ConnectivityProbeLatency,
		m.RequestsTotal,
		m.RequestDuration,
		m.Uptime,
		m.GoRoutines,
	)

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m.setTunnelState(tunnelstate.KindDisconnected)
	m.setConnectivityState(connectivity.Idle)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) setTunnelState(current tunnelstate.StateKind) {
	for _, k := range tunnelstate.AllStateKinds() {
		v := 0.0
		if k == current {
			v = 1
		}
		m.TunnelState.WithLabelValues(k.String()).Set(v)
	}
}

var connectivityStates = []connectivity.State{
	connectivity.Idle,
	connectivity.Connecting,
	connectivity.Ready,
	connectivity.TransientFailure,
	connectivity.Shutdown,
}

func (m *Metrics) setConnectivityState(current connectivity.State) {
	for _, s := range connectivityStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectivityState.WithLabelValues(s.String()).Set(v)
	}
}
