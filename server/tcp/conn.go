// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/qpush/codec"
	"github.com/absmach/qpush/pkg/otel"
	"github.com/google/uuid"
)

// Conn is a server-side framed connection.
type Conn struct {
	id           string
	conn         net.Conn
	writeTimeout time.Duration
	metrics      *otel.Metrics

	wmu    sync.Mutex
	closed atomic.Bool
}

func newConn(conn net.Conn, writeTimeout time.Duration, metrics *otel.Metrics) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		metrics:      metrics,
	}
}

// ID returns the connection's server-assigned identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send writes payload as a single frame. It is safe for concurrent use.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := codec.WriteFrame(c.conn, payload); err != nil {
		return err
	}
	c.metrics.RecordFrameSent(len(payload))
	return nil
}

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
