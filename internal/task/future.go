package task

import (
	"context"
	"sync"
)

// Future is a cancellable computation producing a single value.
//
// The result is recorded exactly once. Once Cancel has returned, Await never
// yields the computed value, even if fn completed concurrently.
type Future[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	value     T
	err       error
}

// Run starts fn in a new goroutine and returns a Future for its result.
func Run[T any](parent context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	ctx, cancel := context.WithCancel(parent)
	f := &Future[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		v, err := fn(ctx)
		cancel()

		f.mu.Lock()
		switch {
		case f.cancelled:
			err = ErrCancelled
		case err == nil:
			f.value = v
		}
		f.err = err
		f.mu.Unlock()
		close(f.done)
	}()
	return f
}

// Cancel cancels the computation. After Cancel returns the future resolves
// with ErrCancelled.
func (f *Future[T]) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	f.cancel()
}

// Done is closed when the computation has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the computation finishes or ctx is done. If ctx is done
// first the future is cancelled.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Cancel()
		<-f.done
		return zero, ErrCancelled
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return zero, ErrCancelled
	}
	return f.value, f.err
}
