// Package devicecheck validates the logged in account and device against the
// control plane and rotates the device key when it is stale.
package devicecheck

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/rest"
	"github.com/rennerdo30/tunnelctl/internal/task"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

// RemoteService is the part of the control plane a check talks to.
type RemoteService interface {
	GetAccountData(ctx context.Context, account string) (*rest.Account, error)
	GetDevice(ctx context.Context, account, deviceID string) (*rest.Device, error)
	RotateDeviceKey(ctx context.Context, account, deviceID string, key wgkey.Key) (*rest.Device, error)
}

// Input identifies the account and device to check.
type Input struct {
	AccountNumber string
	DeviceID      string
	PublicKey     wgkey.Key
	KeyCreated    time.Time
}

// Config controls a check.
type Config struct {
	// RotationInterval is the key age after which the key is rotated. Zero
	// disables age based rotation.
	RotationInterval time.Duration
	// Timeout bounds each remote call. Zero means no per-call bound.
	Timeout time.Duration
}

// Option configures an Operation.
type Option func(*Operation)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Operation) {
		o.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Operation) {
		o.now = now
	}
}

// WithKeyGenerator overrides key generation for rotation.
func WithKeyGenerator(gen func() (wgkey.Pair, error)) Option {
	return func(o *Operation) {
		o.generateKey = gen
	}
}

// Operation is one in-flight device check. It implements task.Task.
//
// The completion callback runs at most once, on the operation's goroutine,
// while the operation's lock is held. Cancel takes the same lock, so once
// Cancel returns the callback has either already finished or will never
// run. The callback must not cancel its own operation.
type Operation struct {
	id          string
	svc         RemoteService
	in          Input
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	generateKey func() (wgkey.Pair, error)
	onDone      func(Result)
	handle      *task.Handle

	mu        sync.Mutex
	cancelled bool
	delivered bool
}

// Start begins a check and returns its handle. onDone receives the result
// unless the operation is cancelled first.
func Start(ctx context.Context, svc RemoteService, in Input, cfg Config, onDone func(Result), opts ...Option) *Operation {
	op := &Operation{
		id:          uuid.NewString(),
		svc:         svc,
		in:          in,
		cfg:         cfg,
		logger:      logging.WithComponent("devicecheck"),
		now:         time.Now,
		generateKey: wgkey.Generate,
		onDone:      onDone,
	}
	for _, opt := range opts {
		opt(op)
	}
	op.logger = op.logger.With("check_id", op.id, "device", in.DeviceID)
	op.handle = task.Go(ctx, op.run)
	return op
}

// ID returns the operation identifier used in logs.
func (o *Operation) ID() string { return o.id }

// Cancel stops the check. No callback is delivered after Cancel returns.
func (o *Operation) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	o.mu.Unlock()
	o.handle.Cancel()
}

// Done is closed when the operation's goroutine has exited.
func (o *Operation) Done() <-chan struct{} { return o.handle.Done() }

// Wait blocks until the operation's goroutine has exited.
func (o *Operation) Wait() { o.handle.Wait() }

func (o *Operation) isCancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

func (o *Operation) deliver(r Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled || o.delivered {
		return
	}
	o.delivered = true

	o.logger.Info("device check finished",
		"account_verdict", r.Account.String(),
		"device_verdict", r.Device.String(),
		"rotation", r.Rotation.String(),
	)
	if o.onDone != nil {
		o.onDone(r)
	}
}

// call runs fn as a child task bounded by the per-call timeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := task.Run(ctx, fn).Await(ctx)
	if errors.Is(err, task.ErrCancelled) && ctx.Err() != nil {
		return v, ctx.Err()
	}
	return v, err
}

func (o *Operation) run(ctx context.Context) {
	r := Result{DeviceID: o.in.DeviceID}

	// Step 1: account
	account, err := call(ctx, o.cfg.Timeout, func(ctx context.Context) (*rest.Account, error) {
		return o.svc.GetAccountData(ctx, o.in.AccountNumber)
	})
	if o.isCancelled(ctx) {
		o.logger.Debug("device check cancelled during account step")
		return
	}
	if err != nil {
		o.classifyAccountError(&r, err)
		o.deliver(r)
		return
	}
	r.AccountExpiry = account.Expiry
	if account.Expired(o.now()) {
		r.Account = AccountExpired
		r.setAuthFailure(tunnelstate.AuthExpiredAccount)
		o.deliver(r)
		return
	}
	r.Account = AccountValid

	// Step 2: device
	device, err := call(ctx, o.cfg.Timeout, func(ctx context.Context) (*rest.Device, error) {
		return o.svc.GetDevice(ctx, o.in.AccountNumber, o.in.DeviceID)
	})
	if o.isCancelled(ctx) {
		o.logger.Debug("device check cancelled during device step")
		return
	}
	if err != nil {
		o.classifyDeviceError(&r, err)
		o.deliver(r)
		return
	}
	if device.PublicKey.Equal(o.in.PublicKey) {
		r.Device = DeviceValid
	} else {
		r.Device = DeviceKeyMismatch
		o.logger.Warn("device key mismatch",
			"local_key", o.in.PublicKey.String(),
			"remote_key", device.PublicKey.String(),
		)
	}

	// Step 3: rotation
	if !o.needsRotation(r.Device) {
		o.deliver(r)
		return
	}
	pair, err := o.generateKey()
	if err != nil {
		r.Rotation = RotationFailed
		r.Err = err
		o.deliver(r)
		return
	}
	rotated, err := call(ctx, o.cfg.Timeout, func(ctx context.Context) (*rest.Device, error) {
		return o.svc.RotateDeviceKey(ctx, o.in.AccountNumber, o.in.DeviceID, pair.Public)
	})
	if o.isCancelled(ctx) {
		o.logger.Debug("device check cancelled during rotation step")
		return
	}
	if err != nil {
		r.Rotation = RotationFailed
		r.Err = err
		if reason, ok := tunnelstate.ClassifyAuth(err); ok {
			r.setAuthFailure(reason)
		}
		o.logger.Warn("key rotation failed", "error", err)
		o.deliver(r)
		return
	}
	r.Rotation = RotationSucceeded
	r.NewKey = &pair
	r.NewDevice = rotated
	r.KeyCreated = o.now()
	o.deliver(r)
}

func (o *Operation) needsRotation(v DeviceVerdict) bool {
	if v == DeviceKeyMismatch {
		return true
	}
	if o.cfg.RotationInterval <= 0 {
		return false
	}
	return o.now().Sub(o.in.KeyCreated) >= o.cfg.RotationInterval
}

func (o *Operation) classifyAccountError(r *Result, err error) {
	r.Err = err
	reason, ok := tunnelstate.ClassifyAuth(err)
	switch {
	case ok && reason == tunnelstate.AuthExpiredAccount:
		r.Account = AccountExpired
	case ok && reason == tunnelstate.AuthInvalidAccount:
		r.Account = AccountInvalid
	default:
		r.Account = AccountCheckFailed
	}
	if ok {
		r.setAuthFailure(reason)
	}
	o.logger.Warn("account check failed", "error", err)
}

func (o *Operation) classifyDeviceError(r *Result, err error) {
	r.Err = err
	switch {
	case rest.HasCode(err, rest.CodeDeviceNotFound), errors.Is(err, ErrDeviceNotFound):
		r.Device = DeviceRevoked
	default:
		r.Device = DeviceCheckFailed
		if reason, ok := tunnelstate.ClassifyAuth(err); ok {
			r.setAuthFailure(reason)
		}
	}
	o.logger.Warn("device check failed", "error", err)
}

// ErrDeviceNotFound may be returned by RemoteService implementations other
// than the REST client to report a removed device.
var ErrDeviceNotFound = errors.New("device not found")
