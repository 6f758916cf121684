// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queuetest holds the behavioural tests every queue.Queue backend
// must pass.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/qpush/payload"
	"github.com/absmach/qpush/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a new, empty, uninitialised queue with the given batch
// size. Each call must return an isolated queue.
type Factory func(t *testing.T, batchSize int) queue.Queue

// Run executes the conformance suite against the backend built by newQueue.
func Run(t *testing.T, newQueue Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"InitIsIdempotent", testInitIdempotent},
		{"RequiresInit", testRequiresInit},
		{"NormalScenario", testNormalScenario},
		{"AdvanceNoDuplicatesNoGaps", testAdvance},
		{"BroadcastFanOut", testBroadcastFanOut},
		{"BatchBound", testBatchBound},
		{"InsertionOrder", testInsertionOrder},
		{"Recipients", testRecipients},
		{"CursorClassMismatch", testCursorClassMismatch},
		{"AddIsAdditive", testAddIsAdditive},
		{"StoredCopyIsImmutable", testImmutable},
		{"RejectsInvalidPayload", testRejectsInvalid},
		{"ConcurrentAddAndRead", testConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newQueue)
		})
	}
}

func open(t *testing.T, newQueue Factory, batchSize int) queue.Queue {
	t.Helper()
	q := newQueue(t, batchSize)
	require.NoError(t, q.Init(context.Background()))
	t.Cleanup(func() { q.Close() })
	return q
}

func add(t *testing.T, q queue.Queue, class payload.Class, body string, recipients ...string) {
	t.Helper()
	require.NoError(t, q.Add(context.Background(), payload.New(class, []byte(body), recipients...)))
}

func bodies(items []*payload.Payload) []string {
	out := make([]string, len(items))
	for i, p := range items {
		out[i] = string(p.Body)
	}
	return out
}

func advance(t *testing.T, cur payload.Cursor, items []*payload.Payload) payload.Cursor {
	t.Helper()
	if len(items) == 0 {
		return cur
	}
	next, err := cur.AdvanceTo(items[len(items)-1])
	require.NoError(t, err)
	return next
}

func testInitIdempotent(t *testing.T, newQueue Factory) {
	q := open(t, newQueue, 10)
	require.NoError(t, q.Init(context.Background()))

	add(t, q, payload.ClassNormal, "x")
	require.NoError(t, q.Init(context.Background()))

	items, err := q.GetNormalItems(context.Background(), payload.NewCursor(""))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, bodies(items))
}

func testRequiresInit(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := newQueue(t, 10)
	t.Cleanup(func() { q.Close() })

	assert.ErrorIs(t, q.Add(ctx, payload.New(payload.ClassNormal, nil)), queue.ErrNotInitialized)
	_, err := q.GetNormalItems(ctx, payload.NewCursor(""))
	assert.ErrorIs(t, err, queue.ErrNotInitialized)
	_, err = q.GetBroadcastItems(ctx, payload.NewCursor(""))
	assert.ErrorIs(t, err, queue.ErrNotInitialized)
}

func testNormalScenario(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 10)
	add(t, q, payload.ClassNormal, "X")

	fresh := payload.NewCursor("")

	normal, err := q.GetNormalItems(ctx, fresh)
	require.NoError(t, err)
	require.Len(t, normal, 1)
	assert.Equal(t, "X", string(normal[0].Body))
	assert.Equal(t, payload.ClassNormal, normal[0].Class)
	assert.NotEmpty(t, normal[0].ID)
	assert.False(t, normal[0].CreatedAt.IsZero())

	broadcast, err := q.GetBroadcastItems(ctx, fresh)
	require.NoError(t, err)
	assert.Empty(t, broadcast)
	assert.NotNil(t, broadcast)
}

func testAdvance(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 10)
	add(t, q, payload.ClassNormal, "a")
	add(t, q, payload.ClassNormal, "b")

	cur := payload.NewCursor("")
	first, err := q.GetNormalItems(ctx, cur)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, bodies(first))

	// Reading again without advancing redelivers.
	again, err := q.GetNormalItems(ctx, cur)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, bodies(again))

	add(t, q, payload.ClassNormal, "c")
	add(t, q, payload.ClassNormal, "d")

	cur = advance(t, cur, first)
	second, err := q.GetNormalItems(ctx, cur)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, bodies(second))

	cur = advance(t, cur, second)
	empty, err := q.GetNormalItems(ctx, cur)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testBroadcastFanOut(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 10)
	add(t, q, payload.ClassBroadcast, "news")

	for _, consumer := range []string{"alice", "bob"} {
		cur := payload.NewCursor(consumer)

		items, err := q.GetBroadcastItems(ctx, cur)
		require.NoError(t, err)
		require.Equal(t, []string{"news"}, bodies(items), consumer)

		cur = advance(t, cur, items)
		items, err = q.GetBroadcastItems(ctx, cur)
		require.NoError(t, err)
		assert.Empty(t, items, consumer)

		normal, err := q.GetNormalItems(ctx, payload.NewCursor(consumer))
		require.NoError(t, err)
		assert.Empty(t, normal, consumer)
	}
}

func testBatchBound(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 3)
	for i := 0; i < 7; i++ {
		add(t, q, payload.ClassBroadcast, fmt.Sprintf("m%d", i))
	}

	cur := payload.NewCursor("")
	var got []string
	for round := 0; round < 5; round++ {
		items, err := q.GetBroadcastItems(ctx, cur)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(items), 3)
		if len(items) == 0 {
			break
		}
		got = append(got, bodies(items)...)
		cur = advance(t, cur, items)
	}

	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6"}, got)
}

func testInsertionOrder(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 50)

	var want []string
	for i := 0; i < 20; i++ {
		class := payload.ClassNormal
		if i%3 == 0 {
			class = payload.ClassBroadcast
		} else {
			want = append(want, fmt.Sprintf("n%02d", i))
		}
		add(t, q, class, fmt.Sprintf("n%02d", i))
	}

	items, err := q.GetNormalItems(ctx, payload.NewCursor(""))
	require.NoError(t, err)
	assert.Equal(t, want, bodies(items))
}

func testRecipients(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 10)
	add(t, q, payload.ClassNormal, "for-alice", "alice")
	add(t, q, payload.ClassNormal, "for-bob", "bob")
	add(t, q, payload.ClassNormal, "for-both", "alice", "bob")
	add(t, q, payload.ClassNormal, "for-anyone")

	tests := []struct {
		consumer string
		want     []string
	}{
		{"alice", []string{"for-alice", "for-both", "for-anyone"}},
		{"bob", []string{"for-bob", "for-both", "for-anyone"}},
		{"carol", []string{"for-anyone"}},
		{"", []string{"for-alice", "for-bob", "for-both", "for-anyone"}},
	}

	for _, tt := range tests {
		items, err := q.GetNormalItems(ctx, payload.NewCursor(tt.consumer))
		require.NoError(t, err)
		assert.Equal(t, tt.want, bodies(items), "consumer %q", tt.consumer)
		for _, p := range items {
			if len(p.Recipients) > 0 && tt.consumer != "" {
				assert.Contains(t, p.Recipients, tt.consumer)
			}
		}
	}

	// Advancing past a skipped payload never resurfaces it.
	alice := payload.NewCursor("alice")
	items, err := q.GetNormalItems(ctx, alice)
	require.NoError(t, err)
	alice = advance(t, alice, items[:1])
	items, err = q.GetNormalItems(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"for-both", "for-anyone"}, bodies(items))
}

func testCursorClassMismatch(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 10)
	add(t, q, payload.ClassNormal, "n")
	add(t, q, payload.ClassBroadcast, "b")

	normal, err := q.GetNormalItems(ctx, payload.NewCursor(""))
	require.NoError(t, err)
	normalCur := advance(t, payload.NewCursor(""), normal)

	broadcast, err := q.GetBroadcastItems(ctx, payload.NewCursor(""))
	require.NoError(t, err)
	broadcastCur := advance(t, payload.NewCursor(""), broadcast)

	_, err = q.GetBroadcastItems(ctx, normalCur)
	assert.ErrorIs(t, err, queue.ErrCursorClass)
	_, err = q.GetNormalItems(ctx, broadcastCur)
	assert.ErrorIs(t, err, queue.ErrCursorClass)
}

func testAddIsAdditive(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 10)
	add(t, q, payload.ClassNormal, "1")

	items, err := q.GetNormalItems(ctx, payload.NewCursor(""))
	require.NoError(t, err)
	cur := advance(t, payload.NewCursor(""), items)
	before := cur.Token()

	add(t, q, payload.ClassNormal, "2")
	add(t, q, payload.ClassBroadcast, "3")

	assert.Equal(t, before, cur.Token())
	items, err = q.GetNormalItems(ctx, cur)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, bodies(items))
}

func testImmutable(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 10)

	p := payload.New(payload.ClassNormal, []byte("original"), "alice")
	require.NoError(t, q.Add(ctx, p))
	p.Body[0] = 'X'
	p.Recipients[0] = "mallory"

	items, err := q.GetNormalItems(ctx, payload.NewCursor("alice"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "original", string(items[0].Body))

	items[0].Body[0] = 'Y'
	again, err := q.GetNormalItems(ctx, payload.NewCursor("alice"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(again[0].Body))
}

func testRejectsInvalid(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := open(t, newQueue, 10)

	assert.ErrorIs(t, q.Add(ctx, payload.New(payload.Class(0), []byte("x"))), queue.ErrWrite)
	assert.ErrorIs(t, q.Add(ctx, payload.New(payload.ClassBroadcast, []byte("x"), "a")), queue.ErrWrite)

	items, err := q.GetNormalItems(ctx, payload.NewCursor(""))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func testConcurrent(t *testing.T, newQueue Factory) {
	const (
		writers   = 4
		perWriter = 25
		total     = writers * perWriter
	)

	ctx := context.Background()
	q := open(t, newQueue, 7)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := q.Add(ctx, payload.New(payload.ClassBroadcast, []byte(fmt.Sprintf("w%d-%03d", w, i))))
				assert.NoError(t, err)
			}
		}(w)
	}

	seen := make(map[string]int)
	lastPerWriter := make(map[byte]string)
	cur := payload.NewCursor("reader")
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	drain := func() {
		for {
			items, err := q.GetBroadcastItems(ctx, cur)
			require.NoError(t, err)
			if len(items) == 0 {
				return
			}
			for _, p := range items {
				body := string(p.Body)
				seen[body]++
				w := body[1]
				assert.Less(t, lastPerWriter[w], body, "per-writer order broken")
				lastPerWriter[w] = body
			}
			cur = advance(t, cur, items)
		}
	}

	for {
		select {
		case <-done:
			drain()
			assert.Len(t, seen, total)
			for body, n := range seen {
				assert.Equal(t, 1, n, "payload %s delivered %d times", body, n)
			}
			return
		default:
			drain()
		}
	}
}
