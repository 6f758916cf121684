// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipe drains a payload queue into a client connection. A Pusher
// tracks one consumer's normal and broadcast cursors and only moves them
// forward once every payload of a batch has been written to the wire.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/qpush/client"
	qotel "github.com/absmach/qpush/pkg/otel"
	"github.com/absmach/qpush/payload"
	"github.com/absmach/qpush/queue"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "qpush/pipe"

// Default pusher settings.
const (
	DefaultPollInterval     = time.Second
	DefaultReconnectMin     = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// ErrNotConnected is returned by PushOnce when the connection has no session.
var ErrNotConnected = errors.New("connection is not connected")

// Conn is the part of client.Connection a Pusher drives.
type Conn interface {
	Connect() *client.Result
	Send(b []byte) *client.Result
	State() client.State
}

// BreakerConfig configures the circuit breaker guarding queue reads.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Options configures a Pusher.
type Options struct {
	ConsumerID   string
	PollInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Breaker      BreakerConfig
	Logger       *slog.Logger
	Metrics      *qotel.Metrics
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = DefaultReconnectMin
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = max(DefaultReconnectMax, o.ReconnectMin)
	}
	if o.Breaker.FailureThreshold <= 0 {
		o.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if o.Breaker.ResetTimeout <= 0 {
		o.Breaker.ResetTimeout = DefaultResetTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pusher moves payloads from a queue to a connection.
type Pusher struct {
	q       queue.Queue
	conn    Conn
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	normal    payload.Cursor
	broadcast payload.Cursor

	attempt int
	retryAt time.Time

	pushed [2]atomic.Uint64 // normal, broadcast
}

// New returns a Pusher reading q on behalf of opts.ConsumerID.
func New(q queue.Queue, conn Conn, opts Options) (*Pusher, error) {
	if q == nil {
		return nil, errors.New("pipe: queue is required")
	}
	if conn == nil {
		return nil, errors.New("pipe: connection is required")
	}
	opts.setDefaults()

	logger := opts.Logger.With(slog.String("consumer", opts.ConsumerID))
	p := &Pusher{
		q:         q,
		conn:      conn,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		normal:    payload.NewCursor(opts.ConsumerID),
		broadcast: payload.NewCursor(opts.ConsumerID),
	}

	threshold := uint32(opts.Breaker.FailureThreshold)
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "queue-" + opts.ConsumerID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     opts.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A read cut short by shutdown says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("queue circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return p, nil
}

// Run polls the queue every PollInterval until ctx is done. While the
// connection is down it reconnects with exponential backoff.
func (p *Pusher) Run(ctx context.Context) error {
	p.logger.Info("pusher started", slog.Duration("poll_interval", p.opts.PollInterval))

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		p.tick(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("pusher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pusher) tick(ctx context.Context) {
	switch p.conn.State() {
	case client.StateConnected:
		p.attempt = 0
		p.retryAt = time.Time{}
	case client.StateDisconnected:
		p.reconnect()
		return
	default:
		return
	}

	err := p.PushOnce(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.logger.Debug("queue reads suspended", slog.String("error", err.Error()))
	default:
		p.logger.Warn("push failed", slog.String("error", err.Error()))
	}
}

// reconnect issues Connect once the current backoff delay has elapsed.
func (p *Pusher) reconnect() {
	now := time.Now()
	if now.Before(p.retryAt) {
		return
	}

	delay := p.retryDelay(p.attempt)
	p.attempt++
	p.retryAt = now.Add(delay)

	p.logger.Info("reconnecting",
		slog.Int("attempt", p.attempt),
		slog.Duration("next_retry", delay))
	p.conn.Connect()
}

// retryDelay returns ReconnectMin doubled attempt times, capped at
// ReconnectMax.
func (p *Pusher) retryDelay(attempt int) time.Duration {
	delay := p.opts.ReconnectMin
	for i := 0; i < attempt && delay < p.opts.ReconnectMax; i++ {
		delay *= 2
	}
	return min(delay, p.opts.ReconnectMax)
}

// PushOnce reads one batch of each class and pushes it to the connection.
// A class whose batch fails keeps its cursor; the other class is unaffected.
func (p *Pusher) PushOnce(ctx context.Context) error {
	if p.conn.State() != client.StateConnected {
		return ErrNotConnected
	}

	ctx, span := p.tracer.Start(ctx, "pipe.poll",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("qpush.consumer", p.opts.ConsumerID)))
	defer span.End()

	start := time.Now()
	defer func() {
		p.opts.Metrics.RecordPollDuration(float64(time.Since(start).Microseconds()) / 1000)
	}()

	var errs []error
	for _, class := range []payload.Class{payload.ClassNormal, payload.ClassBroadcast} {
		n, err := p.pushClass(ctx, class)
		span.SetAttributes(attribute.Int("qpush."+class.String()+".pushed", n))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", class, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pusher) pushClass(ctx context.Context, class payload.Class) (int, error) {
	cur := p.cursor(class)

	res, err := p.breaker.Execute(func() (interface{}, error) {
		return queue.Items(ctx, p.q, class, cur)
	})
	if err != nil {
		p.opts.Metrics.RecordError("queue_read")
		return 0, err
	}
	items, _ := res.([]*payload.Payload)
	if len(items) == 0 {
		return 0, nil
	}

	results := make([]*client.Result, len(items))
	for i, it := range items {
		results[i] = p.conn.Send(it.Body)
	}

	var sendErr error
	for _, r := range results {
		if err := r.Wait(ctx); err != nil && sendErr == nil {
			sendErr = err
		}
	}
	if sendErr != nil {
		p.opts.Metrics.RecordError("send")
		p.logger.Debug("batch not delivered, cursor kept",
			slog.String("class", class.String()),
			slog.Int("size", len(items)),
			slog.String("error", sendErr.Error()))
		return 0, sendErr
	}

	next, err := cur.AdvanceTo(items[len(items)-1])
	if err != nil {
		return 0, err
	}
	if !p.commit(class, cur, next) {
		// Reset raced with this batch; keep the reset cursor.
		return len(items), nil
	}

	p.pushed[class-1].Add(uint64(len(items)))
	p.opts.Metrics.RecordPushed(class.String(), len(items))
	p.logger.Debug("batch delivered",
		slog.String("class", class.String()),
		slog.Int("size", len(items)),
		slog.String("cursor", next.String()))

	return len(items), nil
}

func (p *Pusher) cursor(class payload.Class) payload.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if class == payload.ClassBroadcast {
		return p.broadcast
	}
	return p.normal
}

// commit stores next if the class cursor is still prev.
func (p *Pusher) commit(class payload.Class, prev, next payload.Cursor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := &p.normal
	if class == payload.ClassBroadcast {
		c = &p.broadcast
	}
	if !c.Equal(prev) {
		return false
	}
	*c = next
	return true
}

// Cursors returns the current normal and broadcast cursors.
func (p *Pusher) Cursors() (normal, broadcast payload.Cursor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.normal, p.broadcast
}

// SetCursors restores previously saved cursors. A cursor bound to the wrong
// class is rejected.
func (p *Pusher) SetCursors(normal, broadcast payload.Cursor) error {
	if c := normal.Class(); c != 0 && c != payload.ClassNormal {
		return fmt.Errorf("%w: normal cursor is %s", payload.ErrClassMismatch, c)
	}
	if c := broadcast.Class(); c != 0 && c != payload.ClassBroadcast {
		return fmt.Errorf("%w: broadcast cursor is %s", payload.ErrClassMismatch, c)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.normal = normal
	p.broadcast = broadcast
	return nil
}

// Reset rewinds both cursors so the next poll starts from the head of
// each stream.
func (p *Pusher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.normal = p.normal.Reset()
	p.broadcast = p.broadcast.Reset()
}

// Ready returns nil while the connection is up and queue reads are allowed.
func (p *Pusher) Ready() error {
	if st := p.conn.State(); st != client.StateConnected {
		return fmt.Errorf("connection is %s", st)
	}
	if p.breaker.State() == gobreaker.StateOpen {
		return errors.New("queue circuit breaker is open")
	}
	return nil
}

// Status is a point-in-time snapshot of a Pusher.
type Status struct {
	Consumer        string `json:"consumer"`
	Connection      string `json:"connection"`
	Breaker         string `json:"breaker"`
	NormalCursor    string `json:"normal_cursor"`
	BroadcastCursor string `json:"broadcast_cursor"`
	NormalPushed    uint64 `json:"normal_pushed"`
	BroadcastPushed uint64 `json:"broadcast_pushed"`
}

// Status returns the current Status.
func (p *Pusher) Status() any {
	normal, broadcast := p.Cursors()
	return Status{
		Consumer:        p.opts.ConsumerID,
		Connection:      p.conn.State().String(),
		Breaker:         p.breaker.State().String(),
		NormalCursor:    normal.String(),
		BroadcastCursor: broadcast.String(),
		NormalPushed:    p.pushed[0].Load(),
		BroadcastPushed: p.pushed[1].Load(),
	}
}
