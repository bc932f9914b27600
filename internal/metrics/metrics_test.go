package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelctl/internal/connectivity"
	"github.com/rennerdo30/tunnelctl/internal/devicecheck"
	"github.com/rennerdo30/tunnelctl/internal/health"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

func TestMetricsHandler(t *testing.T) {
	m := New()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `tunnelctl_tunnel_state{state="disconnected"} 1`)
	assert.Contains(t, body, `tunnelctl_connectivity_state{state="IDLE"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsRegistry(t *testing.T) {
	m := New()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func status(state tunnelstate.TunnelState, network tunnelstate.Reachability) tunnelstate.TunnelStatus {
	return tunnelstate.TunnelStatus{State: state, Network: network}
}

func TestCollector_ObserveStatus(t *testing.T) {
	m := New()
	c := NewCollector(m)

	c.ObserveStatus(status(tunnelstate.Disconnected(), tunnelstate.ReachabilityUnknown), status(tunnelstate.Connecting(), tunnelstate.ReachabilityUnknown))
	c.ObserveStatus(status(tunnelstate.Connecting(), tunnelstate.ReachabilityUnknown), status(tunnelstate.Connected(), tunnelstate.Reachable))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TunnelState.WithLabelValues("disconnected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelTransitions.WithLabelValues("connecting", "connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlPlaneReachable))

	failed := status(tunnelstate.Error(tunnelstate.AuthFailed(tunnelstate.AuthExpiredAccount)), tunnelstate.Unreachable)
	c.ObserveStatus(status(tunnelstate.Connected(), tunnelstate.Reachable), failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelErrors.WithLabelValues(tunnelstate.AuthFailed(tunnelstate.AuthExpiredAccount).Kind().String())))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ControlPlaneReachable))

	// Relay-only changes are not transitions.
	withRelay := failed
	withRelay.Relay = "se-got-wg-001"
	c.ObserveStatus(failed, withRelay)
	assert.Equal(t, 3, testutil.CollectAndCount(m.TunnelTransitions))
}

func TestCollector_RecordDeviceCheck(t *testing.T) {
	m := New()
	c := NewCollector(m)

	c.RecordDeviceCheck(devicecheck.Result{Account: devicecheck.AccountValid, Device: devicecheck.DeviceValid}, 20*time.Millisecond)
	c.RecordDeviceCheck(devicecheck.Result{
		Account:  devicecheck.AccountValid,
		Device:   devicecheck.DeviceValid,
		Rotation: devicecheck.RotationFailed,
		Err:      errors.New("timeout"),
	}, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeviceChecks.WithLabelValues("valid", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeyRotations.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.KeyRotations))
}

func TestCollector_RecordConnectivity(t *testing.T) {
	m := New()
	c := NewCollector(m)

	c.RecordConnectivity(connectivity.TransientFailure)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectivityState.WithLabelValues("TRANSIENT_FAILURE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectivityState.WithLabelValues("IDLE")))

	c.RecordProbe(health.Result{Healthy: true, Latency: 15 * time.Millisecond})
	c.RecordProbe(health.Result{Healthy: false})
	assert.Equal(t, 1, testutil.CollectAndCount(m.ConnectivityProbeLatency))
}

func TestCollector_RecordRequest(t *testing.T) {
	m := New()
	c := NewCollector(m)

	c.RecordRequest("GET", "/api/v1/status", "200", 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/v1/status", "200")))
}

func TestCollectorStartStop(t *testing.T) {
	m := New()
	c := NewCollector(m)

	c.Start()
	assert.True(t, c.running)
	c.Start()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.GoRoutines) > 0
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	assert.False(t, c.running)
	c.Stop()
}
