// Package executor runs session tasks: a single-goroutine Sequential
// worker for mutations and a bounded Pool for reads. Results are delivered
// through Future values.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/syntrixbase/appsearch/pkg/model"
)

var (
	// ErrStopped is returned when submitting to a stopped executor
	ErrStopped = errors.New("executor is stopped")
)

// Executor runs tasks asynchronously.
type Executor interface {
	Execute(task func()) error
}

// Future is the eventual result of a task. It completes exactly once.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Completed returns a future that already holds its result.
func Completed[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(value, err)
	return f
}

// Failed returns a future that already failed with err.
func Failed[T any](err error) *Future[T] {
	var zero T
	return Completed(zero, err)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result. A canceled ctx stops the wait, not the task.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit runs fn on e and returns its future. A panic in fn fails the
// future with an internal error.
func Submit[T any](e Executor, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	err := e.Execute(func() {
		value, err := call(fn)
		f.complete(value, err)
	})
	if err != nil {
		var zero T
		f.complete(zero, err)
	}
	return f
}

func call[T any](fn func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.Error{
				Code:    model.ResultInternalError,
				Message: "task panicked",
				Err:     fmt.Errorf("%v\n%s", r, debug.Stack()),
			}
		}
	}()
	return fn()
}

// Then runs fn on e with the value of f once f succeeds. A failure of f is
// propagated without running fn.
func Then[T, U any](f *Future[T], e Executor, fn func(T) (U, error)) *Future[U] {
	out := newFuture[U]()
	go func() {
		<-f.done
		if f.err != nil {
			var zero U
			out.complete(zero, f.err)
			return
		}
		next := Submit(e, func() (U, error) { return fn(f.value) })
		<-next.done
		out.complete(next.value, next.err)
	}()
	return out
}
