package connectivity

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/rennerdo30/tunnelctl/internal/logging"
)

// Subscription is a running Watch. It implements task.Task.
type Subscription struct {
	src    Source
	ch     chan State
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger

	releaseOnce sync.Once
}

// WatchOption configures Watch.
type WatchOption func(*Subscription)

// WithLogger sets the subscription logger.
func WithLogger(logger *slog.Logger) WatchOption {
	return func(s *Subscription) {
		s.logger = logger
	}
}

// Watch emits the current state of src and then every state observed after a
// change notification, including notifications that report an unchanged
// state. Values are never dropped; the loop waits for the consumer. C is
// closed when the subscription ends.
func Watch(ctx context.Context, src Source, opts ...WatchOption) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		src:    src,
		ch:     make(chan State),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logging.WithComponent("connectivity"),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop(ctx)
	return s
}

// C returns the state stream.
func (s *Subscription) C() <-chan State { return s.ch }

// Done is closed once the loop has exited and the source was released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel stops the subscription. It returns after the loop has exited and
// the source was released, so nothing is emitted once it returns.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

func (s *Subscription) loop(ctx context.Context) {
	defer close(s.done)
	defer s.release()
	defer close(s.ch)

	last := s.src.State()
	if !s.emit(ctx, last) {
		return
	}
	for {
		if !s.src.WaitForStateChange(ctx, last) {
			return
		}
		state := s.src.State()
		if !s.emit(ctx, state) {
			return
		}
		last = state
	}
}

func (s *Subscription) emit(ctx context.Context, state State) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.ch <- state:
		s.logger.Debug("connectivity state", "state", state.String())
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscription) release() {
	s.releaseOnce.Do(func() {
		closer, ok := s.src.(io.Closer)
		if !ok {
			return
		}
		if err := closer.Close(); err != nil {
			s.logger.Warn("failed to release connectivity source", "error", err)
		}
	})
}
