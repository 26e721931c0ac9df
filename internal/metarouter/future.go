// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metarouter

import (
	"context"
	"fmt"
	"time"
)

// Future is the result of an asynchronous call. Synchronous callers block
// on Await with a deadline; the call itself keeps running on its own
// goroutine and context, so an expired wait never blocks anything else.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Async runs fn on a new goroutine. A panic in fn is returned as an error.
func Async[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("async call panicked: %v", r)
			}
		}()
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Done is closed when the call has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await waits for the result, at most timeout (no limit when timeout <= 0)
// and no longer than ctx allows. On timeout it returns ErrBridgeTimeout.
func (f *Future[T]) Await(ctx context.Context, timeout time.Duration) (T, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var zero T
	select {
	case <-f.done:
		return f.val, f.err
	case <-expired:
		return zero, ErrBridgeTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
