package devicecheck

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/logging"
)

// ErrSchedulerConfig is returned for an unusable schedule.
var ErrSchedulerConfig = errors.New("invalid device check schedule")

// Backoff configures the retry delay after a failed check.
type Backoff struct {
	// Initial is the first retry delay.
	Initial time.Duration
	// Max caps the retry delay.
	Max time.Duration
	// Multiplier is applied per consecutive failure.
	Multiplier float64
}

// Delay returns the delay before retry number failures (1-based).
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(failures-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if delay < float64(b.Initial) {
		delay = float64(b.Initial)
	}
	return time.Duration(delay)
}

// Validate checks the backoff parameters.
func (b Backoff) Validate() error {
	switch {
	case b.Initial <= 0:
		return errors.Join(ErrSchedulerConfig, errors.New("backoff initial must be positive"))
	case b.Max < b.Initial:
		return errors.Join(ErrSchedulerConfig, errors.New("backoff max must not be below initial"))
	case b.Multiplier < 1:
		return errors.Join(ErrSchedulerConfig, errors.New("backoff multiplier must be at least 1"))
	}
	return nil
}

// Scheduler runs device checks periodically and on demand.
type Scheduler struct {
	checker  *Checker
	input    func() (Input, bool)
	onResult func(Result)
	interval time.Duration
	backoff  Backoff
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. input returns the current account and
// device, or false when no device is logged in. onResult receives every
// completed check.
func NewScheduler(checker *Checker, interval time.Duration, backoff Backoff, input func() (Input, bool), onResult func(Result)) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.Join(ErrSchedulerConfig, errors.New("interval must be positive"))
	}
	if err := backoff.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		checker:  checker,
		input:    input,
		onResult: onResult,
		interval: interval,
		backoff:  backoff,
		trigger:  make(chan struct{}, 1),
		logger:   logging.WithComponent("devicecheck.scheduler"),
	}, nil
}

// Trigger requests an immediate check. A check already in flight is
// superseded by the new one.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run checks once immediately and then on schedule until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	defer s.checker.CancelAll()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}

		r, ran := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := s.interval
		switch {
		case !ran:
		case transientFailure(r):
			failures++
			delay = s.backoff.Delay(failures)
			s.logger.Info("device check failed, backing off", "failures", failures, "retry_in", delay)
		default:
			failures = 0
		}
		timer.Reset(delay)
	}
}

// runOnce runs a check to completion. A trigger arriving while the check is
// in flight restarts it.
func (s *Scheduler) runOnce(ctx context.Context) (Result, bool) {
	for {
		in, ok := s.input()
		if !ok {
			return Result{}, false
		}

		results := make(chan Result, 1)
		op := s.checker.Start(ctx, in, func(r Result) { results <- r })

		select {
		case <-op.Done():
			select {
			case r := <-results:
				s.onResult(r)
				return r, true
			default:
				return Result{}, false
			}
		case <-s.trigger:
			s.logger.Debug("device check restarted on demand", "check_id", op.ID())
		}
	}
}

func transientFailure(r Result) bool {
	return r.Account == AccountCheckFailed || r.Device == DeviceCheckFailed || r.Rotation == RotationFailed
}
