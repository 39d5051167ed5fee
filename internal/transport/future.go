package transport

import (
	"context"
	"sync"
	"time"

	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
)

// Future holds the outcome of an operation that completes later.
// It completes exactly once; later Complete calls are ignored.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// NewFuture creates an incomplete future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// CompletedFuture creates a future that is already complete
func CompletedFuture[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(value, err)
	return f
}

// Complete sets the outcome. Returns false if the future was already complete.
func (f *Future[T]) Complete(value T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future completes
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future completed
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future completes or ctx ends. A ctx that ends first
// yields a timeout error.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, cerrors.Timeout("response", ctx.Err())
	}
}

// Await is Wait bounded by timeout. A non-positive timeout waits on ctx only.
func (f *Future[T]) Await(ctx context.Context, timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return f.Wait(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.Wait(ctx)
}
