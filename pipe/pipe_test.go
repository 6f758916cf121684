// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/qpush/client"
	"github.com/absmach/qpush/codec"
	"github.com/absmach/qpush/payload"
	"github.com/absmach/qpush/queue"
	"github.com/absmach/qpush/queue/memory"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// peerDialer connects the client to an in-process peer that collects every
// frame it receives.
type peerDialer struct {
	frames    chan string
	failDial  atomic.Bool
	failWrite atomic.Bool
	dials     atomic.Int32
}

func newPeerDialer() *peerDialer {
	return &peerDialer{frames: make(chan string, 1024)}
}

func (d *peerDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	d.dials.Add(1)
	if d.failDial.Load() {
		return nil, errors.New("connection refused")
	}
	c, s := net.Pipe()
	go func() {
		defer s.Close()
		for {
			f, err := codec.ReadFrame(s)
			if err != nil {
				return
			}
			d.frames <- string(f)
		}
	}()
	return &flakyConn{Conn: c, fail: &d.failWrite}, nil
}

func (d *peerDialer) take(t *testing.T, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for len(out) < n {
		select {
		case f := <-d.frames:
			out = append(out, f)
		case <-time.After(waitTimeout):
			t.Fatalf("received %d of %d frames", len(out), n)
		}
	}
	return out
}

func (d *peerDialer) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case f := <-d.frames:
		t.Fatalf("unexpected frame %q", f)
	case <-time.After(50 * time.Millisecond):
	}
}

// flakyConn fails writes while fail is set.
type flakyConn struct {
	net.Conn
	fail *atomic.Bool
}

func (c *flakyConn) Write(b []byte) (int, error) {
	if c.fail.Load() {
		return 0, errors.New("broken pipe")
	}
	return c.Conn.Write(b)
}

// failingQueue fails reads while fail is set.
type failingQueue struct {
	queue.Queue
	fail atomic.Bool
}

func (q *failingQueue) GetNormalItems(ctx context.Context, cur payload.Cursor) ([]*payload.Payload, error) {
	if q.fail.Load() {
		return nil, errors.New("backend unavailable")
	}
	return q.Queue.GetNormalItems(ctx, cur)
}

func (q *failingQueue) GetBroadcastItems(ctx context.Context, cur payload.Cursor) ([]*payload.Payload, error) {
	if q.fail.Load() {
		return nil, errors.New("backend unavailable")
	}
	return q.Queue.GetBroadcastItems(ctx, cur)
}

// cancelledQueue fails every read the way a backend does when its ctx is
// cancelled mid-scan.
type cancelledQueue struct {
	queue.Queue
}

func (q *cancelledQueue) GetNormalItems(context.Context, payload.Cursor) ([]*payload.Payload, error) {
	return nil, fmt.Errorf("%w: %w", queue.ErrRead, context.Canceled)
}

func (q *cancelledQueue) GetBroadcastItems(context.Context, payload.Cursor) ([]*payload.Payload, error) {
	return nil, fmt.Errorf("%w: %w", queue.ErrRead, context.Canceled)
}

func newQueue(t *testing.T, batchSize int) *memory.Queue {
	t.Helper()
	q := memory.New(memory.Config{BatchSize: batchSize})
	require.NoError(t, q.Init(context.Background()))
	t.Cleanup(func() { q.Close() })
	return q
}

func add(t *testing.T, q queue.Queue, class payload.Class, body string, recipients ...string) {
	t.Helper()
	require.NoError(t, q.Add(context.Background(), payload.New(class, []byte(body), recipients...)))
}

func newConn(t *testing.T, d *peerDialer) *client.Connection {
	t.Helper()
	c, err := client.New(client.NewOptions().SetDialer(d))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func connect(t *testing.T, c *client.Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.Connect().Wait(ctx))
}

func newPusher(t *testing.T, q queue.Queue, c Conn, consumer string) *Pusher {
	t.Helper()
	p, err := New(q, c, Options{
		ConsumerID:   consumer,
		PollInterval: 10 * time.Millisecond,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
		Breaker:      BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute},
	})
	require.NoError(t, err)
	return p
}

func TestNewValidation(t *testing.T) {
	q := newQueue(t, 0)
	c := newConn(t, newPeerDialer())

	_, err := New(nil, c, Options{})
	assert.Error(t, err)
	_, err = New(q, nil, Options{})
	assert.Error(t, err)

	p, err := New(q, c, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, p.opts.PollInterval)
	assert.Equal(t, DefaultReconnectMin, p.opts.ReconnectMin)
	assert.Equal(t, DefaultReconnectMax, p.opts.ReconnectMax)
	assert.Equal(t, DefaultFailureThreshold, p.opts.Breaker.FailureThreshold)
	assert.Equal(t, DefaultResetTimeout, p.opts.Breaker.ResetTimeout)
}

func TestRetryDelay(t *testing.T) {
	p := &Pusher{opts: Options{ReconnectMin: 100 * time.Millisecond, ReconnectMax: time.Second}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.retryDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPushOnceNotConnected(t *testing.T) {
	p := newPusher(t, newQueue(t, 0), newConn(t, newPeerDialer()), "c1")
	assert.ErrorIs(t, p.PushOnce(context.Background()), ErrNotConnected)
}

func TestPushOnceDeliversBothClasses(t *testing.T) {
	q := newQueue(t, 0)
	d := newPeerDialer()
	c := newConn(t, d)
	connect(t, c)
	p := newPusher(t, q, c, "c1")

	add(t, q, payload.ClassNormal, "n1")
	add(t, q, payload.ClassBroadcast, "b1")
	add(t, q, payload.ClassNormal, "n2", "c1")
	add(t, q, payload.ClassNormal, "other", "c2")

	require.NoError(t, p.PushOnce(context.Background()))
	assert.Equal(t, []string{"n1", "n2", "b1"}, d.take(t, 3))

	normal, broadcast := p.Cursors()
	assert.Equal(t, payload.ClassNormal, normal.Class())
	assert.Equal(t, payload.ClassBroadcast, broadcast.Class())
	assert.Equal(t, "c1", normal.Consumer())

	require.NoError(t, p.PushOnce(context.Background()))
	d.assertIdle(t)

	add(t, q, payload.ClassBroadcast, "b2")
	require.NoError(t, p.PushOnce(context.Background()))
	assert.Equal(t, []string{"b2"}, d.take(t, 1))
}

func TestPushOnceDrainsInBatches(t *testing.T) {
	q := newQueue(t, 2)
	d := newPeerDialer()
	c := newConn(t, d)
	connect(t, c)
	p := newPusher(t, q, c, "")

	for _, b := range []string{"a", "b", "c", "d", "e"} {
		add(t, q, payload.ClassNormal, b)
	}

	var got []string
	for i := 0; i < 3; i++ {
		require.NoError(t, p.PushOnce(context.Background()))
	}
	got = append(got, d.take(t, 5)...)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestFailedBatchKeepsCursor(t *testing.T) {
	q := newQueue(t, 0)
	d := newPeerDialer()
	c := newConn(t, d)
	connect(t, c)
	p := newPusher(t, q, c, "c1")

	add(t, q, payload.ClassNormal, "n1")
	add(t, q, payload.ClassNormal, "n2")

	d.failWrite.Store(true)
	err := p.PushOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrSend)

	normal, _ := p.Cursors()
	assert.True(t, normal.IsFresh())
	assert.Equal(t, client.StateConnected, c.State())

	d.failWrite.Store(false)
	require.NoError(t, p.PushOnce(context.Background()))
	assert.Equal(t, []string{"n1", "n2"}, d.take(t, 2))

	normal, _ = p.Cursors()
	assert.False(t, normal.IsFresh())
}

func TestResetRedelivers(t *testing.T) {
	q := newQueue(t, 0)
	d := newPeerDialer()
	c := newConn(t, d)
	connect(t, c)
	p := newPusher(t, q, c, "c1")

	add(t, q, payload.ClassNormal, "n1")
	add(t, q, payload.ClassBroadcast, "b1")
	require.NoError(t, p.PushOnce(context.Background()))
	d.take(t, 2)

	p.Reset()
	normal, broadcast := p.Cursors()
	assert.True(t, normal.IsFresh())
	assert.True(t, broadcast.IsFresh())
	assert.Equal(t, "c1", normal.Consumer())

	require.NoError(t, p.PushOnce(context.Background()))
	assert.Equal(t, []string{"n1", "b1"}, d.take(t, 2))
}

func TestSetCursors(t *testing.T) {
	q := newQueue(t, 0)
	d := newPeerDialer()
	c := newConn(t, d)
	connect(t, c)
	p := newPusher(t, q, c, "c1")

	add(t, q, payload.ClassNormal, "n1")
	add(t, q, payload.ClassNormal, "n2")
	require.NoError(t, p.PushOnce(context.Background()))
	d.take(t, 2)
	saved, _ := p.Cursors()

	p2 := newPusher(t, q, c, "c1")
	assert.ErrorIs(t, p2.SetCursors(saved, saved), payload.ErrClassMismatch)
	require.NoError(t, p2.SetCursors(saved, payload.NewCursor("c1")))

	add(t, q, payload.ClassNormal, "n3")
	require.NoError(t, p2.PushOnce(context.Background()))
	assert.Equal(t, []string{"n3"}, d.take(t, 1))
}

func TestBreakerOpensOnQueueFailures(t *testing.T) {
	fq := &failingQueue{Queue: newQueue(t, 0)}
	d := newPeerDialer()
	c := newConn(t, d)
	connect(t, c)
	p := newPusher(t, fq, c, "c1")

	add(t, fq, payload.ClassNormal, "n1")
	fq.fail.Store(true)

	assert.Error(t, p.PushOnce(context.Background()))
	assert.Equal(t, gobreaker.StateOpen, p.breaker.State())

	fq.fail.Store(false)
	err := p.PushOnce(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	d.assertIdle(t)
}

func TestCancelledReadsKeepBreakerClosed(t *testing.T) {
	d := newPeerDialer()
	c := newConn(t, d)
	connect(t, c)
	p := newPusher(t, &cancelledQueue{Queue: newQueue(t, 0)}, c, "c1")

	for i := 0; i < 5; i++ {
		err := p.PushOnce(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.Equal(t, gobreaker.StateClosed, p.breaker.State())
	assert.NoError(t, p.Ready())
}

func TestRunReconnectsAndDelivers(t *testing.T) {
	q := newQueue(t, 0)
	d := newPeerDialer()
	d.failDial.Store(true)
	c := newConn(t, d)
	p := newPusher(t, q, c, "c1")

	add(t, q, payload.ClassNormal, "n1")
	add(t, q, payload.ClassBroadcast, "b1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return d.dials.Load() >= 2 }, waitTimeout, 5*time.Millisecond)
	d.failDial.Store(false)

	assert.Equal(t, []string{"n1", "b1"}, d.take(t, 2))
	assert.Equal(t, client.StateConnected, c.State())

	add(t, q, payload.ClassNormal, "n2")
	assert.Equal(t, []string{"n2"}, d.take(t, 1))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReadyAndStatus(t *testing.T) {
	q := newQueue(t, 0)
	d := newPeerDialer()
	c := newConn(t, d)
	p := newPusher(t, q, c, "c1")

	assert.Error(t, p.Ready())

	connect(t, c)
	require.NoError(t, p.Ready())

	add(t, q, payload.ClassNormal, "n1")
	add(t, q, payload.ClassBroadcast, "b1")
	add(t, q, payload.ClassBroadcast, "b2")
	require.NoError(t, p.PushOnce(context.Background()))
	d.take(t, 3)

	st, ok := p.Status().(Status)
	require.True(t, ok)
	assert.Equal(t, "c1", st.Consumer)
	assert.Equal(t, client.StateConnected.String(), st.Connection)
	assert.Equal(t, gobreaker.StateClosed.String(), st.Breaker)
	assert.Equal(t, uint64(1), st.NormalPushed)
	assert.Equal(t, uint64(2), st.BroadcastPushed)
}
