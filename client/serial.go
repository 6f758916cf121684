// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync"

// writeTask is one frame waiting on the serial context.
type writeTask struct {
	payload []byte
	result  *Result
}

// serialQueue is an unbounded FIFO of write tasks drained by a single
// goroutine. push never blocks.
type serialQueue struct {
	mu       sync.Mutex
	tasks    []*writeTask
	closeErr error
	wake     chan struct{}
	done     chan struct{}
}

func newSerialQueue() *serialQueue {
	return &serialQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push appends t. It returns false once the queue is closed.
func (q *serialQueue) push(t *writeTask) bool {
	q.mu.Lock()
	if q.closeErr != nil {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	q.signal()
	return true
}

// close stops the queue. Tasks not yet started complete with err. Only the
// first call has an effect.
func (q *serialQueue) close(err error) {
	q.mu.Lock()
	if q.closeErr == nil {
		q.closeErr = err
	}
	q.mu.Unlock()

	q.signal()
}

// err returns the close error, or nil while the queue is open.
func (q *serialQueue) err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeErr
}

func (q *serialQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run executes tasks in push order until the queue is closed.
func (q *serialQueue) run(exec func(*writeTask)) {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && q.closeErr == nil {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}

		if q.closeErr != nil {
			pending, err := q.tasks, q.closeErr
			q.tasks = nil
			q.mu.Unlock()

			for _, t := range pending {
				t.result.complete(err)
			}
			return
		}

		t := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		exec(t)
	}
}
