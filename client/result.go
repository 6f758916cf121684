// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
)

// Result is the outcome of an asynchronous Connect or Send. It completes
// exactly once.
type Result struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func completedResult(err error) *Result {
	r := newResult()
	r.complete(err)
	return r
}

// complete records err and releases waiters. Later calls are ignored.
func (r *Result) complete(err error) bool {
	completed := false
	r.once.Do(func() {
		r.err = err
		close(r.done)
		completed = true
	})
	return completed
}

// Done returns a channel closed on completion.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Err returns the completion error. It returns nil while the result is
// pending.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the result completes or ctx is done.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
