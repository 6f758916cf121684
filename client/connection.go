// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/qpush/codec"
)

// Connection is a framed TCP session to a single server. It is safe for
// concurrent use.
type Connection struct {
	opts   *Options
	addr   string
	logger *slog.Logger

	state *stateManager

	// mu guards the fields below and serialises state transitions.
	mu            sync.Mutex
	connectResult *Result
	cancelDial    context.CancelFunc
	sess          *session
}

// session is one established socket with its serial write context.
type session struct {
	conn   net.Conn
	writes *serialQueue
	once   sync.Once
}

// New creates a disconnected Connection with the given options.
func New(opts *Options) (*Connection, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	return &Connection{
		opts:   opts,
		addr:   addr,
		logger: opts.Logger.With(slog.String("addr", addr)),
		state:  newStateManager(),
	}, nil
}

// Connect starts connecting and returns immediately. While a connect is in
// flight or the session is up, it returns that same Result. After Shutdown
// the Result fails with ErrConnectionClosed.
func (c *Connection) Connect() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.isShutdown() {
		return completedResult(ErrConnectionClosed)
	}
	if c.state.get() != StateDisconnected {
		return c.connectResult
	}

	c.state.set(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	res := newResult()
	c.connectResult = res
	c.cancelDial = cancel

	c.logger.Info("connecting")
	go c.dial(ctx, cancel, res)

	return res
}

func (c *Connection) dial(ctx context.Context, cancel context.CancelFunc, res *Result) {
	defer cancel()

	dialCtx := ctx
	if c.opts.ConnectTimeout > 0 {
		var dialCancel context.CancelFunc
		dialCtx, dialCancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer dialCancel()
	}

	conn, err := c.opts.Dialer.DialContext(dialCtx, "tcp", c.addr)
	if err == nil {
		err = c.configureConn(conn)
		if err != nil {
			conn.Close()
			conn = nil
		}
	}

	c.mu.Lock()
	if c.state.get() != StateConnecting {
		// Shutdown won the race.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.opts.Metrics.RecordConnect("cancelled")
		c.logger.Info("connect cancelled")
		res.complete(ErrConnectionClosed)
		return
	}

	if err != nil {
		c.state.set(StateDisconnected)
		c.connectResult = nil
		c.cancelDial = nil
		c.mu.Unlock()

		err = fmt.Errorf("%w: %v", ErrConnect, err)
		c.logger.Error("connect failed", slog.String("error", err.Error()))
		c.opts.Metrics.RecordConnect("failure")
		if c.opts.OnConnectFailure != nil {
			c.opts.OnConnectFailure(err)
		}
		res.complete(err)
		return
	}

	s := &session{conn: conn, writes: newSerialQueue()}
	c.sess = s
	c.cancelDial = nil
	c.state.set(StateConnected)
	c.mu.Unlock()

	go s.writes.run(func(t *writeTask) { c.write(s, t) })
	go c.readLoop(s)

	c.logger.Info("connected", slog.String("local", conn.LocalAddr().String()))
	c.opts.Metrics.RecordConnect("success")
	if c.opts.OnConnect != nil {
		go c.opts.OnConnect()
	}
	res.complete(nil)
}

// configureConn sets TCP socket options.
func (c *Connection) configureConn(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	if c.opts.KeepAlive >= 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if c.opts.KeepAlive > 0 {
			if err := tcpConn.SetKeepAlivePeriod(c.opts.KeepAlive); err != nil {
				return fmt.Errorf("failed to set keepalive period: %w", err)
			}
		}
	}
	if err := tcpConn.SetNoDelay(c.opts.NoDelay); err != nil {
		return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
	}
	return nil
}

// Send enqueues b as one frame on the serial write context and returns
// immediately. Frames are written in enqueue order.
func (c *Connection) Send(b []byte) *Result {
	c.mu.Lock()
	state, s := c.state.get(), c.sess
	c.mu.Unlock()

	switch {
	case state == StateClosing || state == StateClosed:
		return completedResult(ErrConnectionClosed)
	case state != StateConnected || s == nil:
		return completedResult(ErrNotConnected)
	}

	res := newResult()
	if !s.writes.push(&writeTask{payload: b, result: res}) {
		res.complete(s.writes.err())
	}
	return res
}

// write runs on the serial context.
func (c *Connection) write(s *session, t *writeTask) {
	if c.opts.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}

	err := codec.WriteFrame(s.conn, t.payload)
	switch {
	case err == nil:
		c.opts.Metrics.RecordFrameSent(len(t.payload))
		t.result.complete(nil)
	case errors.Is(err, codec.ErrFrameTooLarge):
		t.result.complete(err)
	default:
		// A write interrupted by teardown reports the teardown reason.
		if closeErr := s.writes.err(); closeErr != nil {
			t.result.complete(closeErr)
			return
		}
		c.logger.Warn("write failed", slog.String("error", err.Error()))
		c.opts.Metrics.RecordError("send")
		t.result.complete(fmt.Errorf("%w: %v", ErrSend, err))
	}
}

// readLoop reads frames until the socket fails or is closed.
func (c *Connection) readLoop(s *session) {
	for {
		frame, err := codec.ReadFrameLimit(s.conn, c.opts.MaxFrameSize)
		if err != nil {
			c.sessionLost(s, err)
			return
		}

		c.opts.Metrics.RecordFrameReceived(len(frame))
		if c.opts.Handler != nil {
			c.opts.Handler.HandleFrame(c, frame)
		}
	}
}

// sessionLost tears down s after a read failure unless Shutdown already did.
func (c *Connection) sessionLost(s *session, cause error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.connectResult = nil
	c.state.transition(StateConnected, StateDisconnected)
	c.mu.Unlock()

	s.close(ErrConnectionLost)

	reason := "read_error"
	if errors.Is(cause, io.EOF) {
		reason = "peer_closed"
	}
	c.logger.Warn("connection lost", slog.String("reason", reason), slog.String("error", cause.Error()))
	c.opts.Metrics.RecordDisconnection(reason)

	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
	}
}

// Shutdown cancels an in-flight connect or closes the live socket. Pending
// writes complete with ErrConnectionClosed. It is idempotent.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	if !c.state.transitionFrom(StateClosing, StateDisconnected, StateConnecting, StateConnected) {
		c.mu.Unlock()
		return
	}
	cancel, s := c.cancelDial, c.sess
	c.cancelDial, c.sess = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s != nil {
		s.close(ErrConnectionClosed)
		c.opts.Metrics.RecordDisconnection("shutdown")
	}

	c.state.set(StateClosed)
	c.logger.Info("connection shut down")
}

// close fails pending writes with err, closes the socket and waits for the
// writer to exit.
func (s *session) close(err error) {
	s.once.Do(func() {
		s.writes.close(err)
		s.conn.Close()
	})
	<-s.writes.done
}

// State returns the current connection state.
func (c *Connection) State() State {
	return c.state.get()
}

// IsConnected reports whether the session is established.
func (c *Connection) IsConnected() bool {
	return c.state.isConnected()
}

// Addr returns the server address as host:port.
func (c *Connection) Addr() string {
	return c.addr
}
