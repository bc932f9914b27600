// Package task provides cancellation handles for asynchronous work.
//
// Every unit of in-flight work in the controller (remote calls, device checks,
// connectivity subscriptions) is exposed to its owner as a Task. A Task has a
// single capability: Cancel, which is idempotent and safe to call from any
// goroutine.
package task

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Await when the task was cancelled before its
// result was delivered.
var ErrCancelled = errors.New("task cancelled")

// Task is a handle to in-flight work.
type Task interface {
	// Cancel stops the work. Calling Cancel more than once has no effect.
	Cancel()
}

type funcTask struct {
	once sync.Once
	fn   func()
}

func (t *funcTask) Cancel() {
	t.once.Do(t.fn)
}

// Func returns a Task that runs fn on the first call to Cancel.
func Func(fn func()) Task {
	if fn == nil {
		return Nop()
	}
	return &funcTask{fn: fn}
}

type nopTask struct{}

func (nopTask) Cancel() {}

// Nop returns a Task whose Cancel does nothing. Useful for work that has
// already finished by the time a handle is requested.
func Nop() Task {
	return nopTask{}
}

// Handle runs a function in its own goroutine under a derived context.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Go starts fn in a new goroutine. The context passed to fn is cancelled when
// the parent is cancelled or when Cancel is called on the returned Handle.
func Go(parent context.Context, fn func(ctx context.Context)) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		defer cancel()
		fn(ctx)
	}()
	return h
}

// Cancel cancels the handle's context. It does not wait for fn to return.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once fn has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until fn has returned.
func (h *Handle) Wait() {
	<-h.done
}

// CancelAndWait cancels the handle and waits for fn to return.
func (h *Handle) CancelAndWait() {
	h.Cancel()
	h.Wait()
}
