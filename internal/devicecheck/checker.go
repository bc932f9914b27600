package devicecheck

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rennerdo30/tunnelctl/internal/logging"
)

// Checker keeps at most one operation in flight per device. Starting a new
// check cancels the previous one for the same device and waits for it to
// exit before the new one begins.
type Checker struct {
	svc    RemoteService
	cfg    Config
	opts   []Option
	logger *slog.Logger

	mu  sync.Mutex
	ops map[string]*Operation
}

// NewChecker creates a Checker. opts are applied to every operation.
func NewChecker(svc RemoteService, cfg Config, opts ...Option) *Checker {
	c := &Checker{
		svc:    svc,
		cfg:    cfg,
		opts:   opts,
		logger: logging.WithComponent("devicecheck"),
		ops:    make(map[string]*Operation),
	}
	return c
}

// Config returns the check configuration.
func (c *Checker) Config() Config { return c.cfg }

// Start begins a check for in.DeviceID, superseding any in-flight check for
// that device. onDone must not call back into the Checker.
func (c *Checker) Start(ctx context.Context, in Input, onDone func(Result)) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.ops[in.DeviceID]; ok {
		c.logger.Debug("superseding device check", "check_id", prev.ID(), "device", in.DeviceID)
		prev.Cancel()
		prev.Wait()
	}

	op := Start(ctx, c.svc, in, c.cfg, onDone, c.opts...)
	c.ops[in.DeviceID] = op

	go func() {
		<-op.Done()
		c.mu.Lock()
		if c.ops[in.DeviceID] == op {
			delete(c.ops, in.DeviceID)
		}
		c.mu.Unlock()
	}()
	return op
}

// Cancel cancels the in-flight check for deviceID and waits for it to exit.
func (c *Checker) Cancel(deviceID string) {
	c.mu.Lock()
	op, ok := c.ops[deviceID]
	c.mu.Unlock()
	if ok {
		op.Cancel()
		op.Wait()
	}
}

// CancelAll cancels every in-flight check and waits for them to exit.
func (c *Checker) CancelAll() {
	c.mu.Lock()
	ops := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
		op.Wait()
	}
}

// InFlight returns the number of running checks.
func (c *Checker) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}
