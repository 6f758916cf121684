// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCompletesOnce(t *testing.T) {
	r := newResult()
	assert.NoError(t, r.Err(), "pending result has no error")

	first := errors.New("first")
	assert.True(t, r.complete(first))
	assert.False(t, r.complete(nil))

	select {
	case <-r.Done():
	default:
		t.Fatal("Done should be closed")
	}
	assert.Equal(t, first, r.Err())
	assert.Equal(t, first, r.Wait(context.Background()))
}

func TestResultConcurrentComplete(t *testing.T) {
	r := newResult()

	var wg sync.WaitGroup
	wins := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.complete(nil) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	assert.Equal(t, 1, n)
}

func TestResultWaitContext(t *testing.T) {
	r := newResult()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}

func TestSerialQueueOrder(t *testing.T) {
	q := newSerialQueue()

	var got []string
	done := make(chan struct{})
	go func() {
		q.run(func(t *writeTask) {
			got = append(got, string(t.payload))
			t.result.complete(nil)
		})
		close(done)
	}()

	var results []*Result
	for _, s := range []string{"a", "b", "c", "d"} {
		r := newResult()
		require.True(t, q.push(&writeTask{payload: []byte(s), result: r}))
		results = append(results, r)
	}
	for _, r := range results {
		require.NoError(t, r.Wait(context.Background()))
	}

	q.close(ErrConnectionClosed)
	<-done
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	assert.False(t, q.push(&writeTask{result: newResult()}))
}

func TestSerialQueueCloseFailsPending(t *testing.T) {
	q := newSerialQueue()

	var results []*Result
	for i := 0; i < 3; i++ {
		r := newResult()
		q.push(&writeTask{result: r})
		results = append(results, r)
	}
	q.close(ErrConnectionLost)
	q.close(ErrConnectionClosed)

	q.run(func(*writeTask) { t.Fatal("closed queue must not execute tasks") })

	for _, r := range results {
		assert.ErrorIs(t, r.Err(), ErrConnectionLost)
	}
	assert.ErrorIs(t, q.err(), ErrConnectionLost)
}
