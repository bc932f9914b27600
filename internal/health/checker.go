// Package health probes whether the control plane can be reached.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single probe when none is configured.
const DefaultTimeout = 5 * time.Second

// ErrUnknownType is returned by New for an unsupported probe type.
var ErrUnknownType = errors.New("unknown health check type")

// Checker is a single reachability probe.
type Checker interface {
	// Check performs one probe and returns its result.
	Check(ctx context.Context) Result

	// Type returns the probe type.
	Type() string
}

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Config selects and configures a probe.
type Config struct {
	Type    string        `yaml:"type"`   // tcp, http
	Target  string        `yaml:"target"` // host:port
	Timeout time.Duration `yaml:"timeout"`
	Path    string        `yaml:"path"`   // http only
	Scheme  string        `yaml:"scheme"` // http only: "http" or "https" (default: "https")
}

// New creates a checker for cfg.
func New(cfg Config) (Checker, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("health check target is required")
	}
	switch cfg.Type {
	case "http":
		return NewHTTPChecker(cfg), nil
	case "tcp", "":
		return NewTCPChecker(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}

func failed(start time.Time, msg string, err error) Result {
	return Result{
		Healthy:   false,
		Message:   msg,
		Error:     err.Error(),
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
}
