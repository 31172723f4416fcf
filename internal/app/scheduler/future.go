package scheduler

import (
	"context"
	"fmt"

	serrors "switchboard/internal/shared/errors"
)

// Future is the eventual result of a submitted task.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx ends. Ending ctx stops the wait
// only; the task itself follows its submission context.
func (f *Future) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, serrors.Wrap(serrors.KindCancelled, ctx.Err(), "wait cancelled")
	}
}

// Await waits on f and asserts the value type.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T
	value, err := f.Wait(ctx)
	if err != nil {
		if typed, ok := value.(T); ok {
			return typed, err
		}
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected task result type %T", value)
	}
	return typed, nil
}
