package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker reports healthy when a TCP connection to the target succeeds.
type TCPChecker struct {
	target  string
	timeout time.Duration
	dialer  net.Dialer
}

// NewTCPChecker creates a TCP checker.
func NewTCPChecker(cfg Config) *TCPChecker {
	timeout := timeoutOrDefault(cfg.Timeout)
	return &TCPChecker{
		target:  cfg.Target,
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// Check dials the target once.
func (c *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.target)
	if err != nil {
		return failed(start, "TCP connection failed", err)
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   "TCP connection successful",
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
}

// Type returns "tcp".
func (c *TCPChecker) Type() string {
	return "tcp"
}
