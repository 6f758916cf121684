// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/qpush/codec"
	"github.com/absmach/qpush/pkg/otel"
)

// Default values.
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8081
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultKeepAlive      = 15 * time.Second
)

// Dialer opens the TCP session. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// FrameHandler receives frames read from the connection. HandleFrame is
// called from the read goroutine, in arrival order.
type FrameHandler interface {
	HandleFrame(c *Connection, frame []byte)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(c *Connection, frame []byte)

// HandleFrame calls f(c, frame).
func (f FrameHandlerFunc) HandleFrame(c *Connection, frame []byte) {
	f(c, frame)
}

// Options configures a Connection.
type Options struct {
	// Connection
	Host           string        // Server host
	Port           int           // Server port
	ConnectTimeout time.Duration // Timeout for the dial (0 for none)
	WriteTimeout   time.Duration // Timeout for each frame write (0 for none)
	KeepAlive      time.Duration // TCP keep-alive period (negative disables)
	NoDelay        bool          // Set TCP_NODELAY
	MaxFrameSize   uint32        // Largest inbound frame accepted
	Dialer         Dialer        // Custom dialer (nil uses net.Dialer)

	// Inbound frames
	Handler FrameHandler

	// Callbacks
	OnConnect        func()      // Called after a successful connect
	OnConnectFailure func(error) // Called when a connect attempt fails
	OnConnectionLost func(error) // Called when an established session ends

	// Observability
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Host:           DefaultHost,
		Port:           DefaultPort,
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		KeepAlive:      DefaultKeepAlive,
		NoDelay:        true,
		MaxFrameSize:   codec.MaxFrameSize,
	}
}

// SetHost sets the server host.
func (o *Options) SetHost(host string) *Options {
	o.Host = host
	return o
}

// SetPort sets the server port.
func (o *Options) SetPort(port int) *Options {
	o.Port = port
	return o
}

// SetConnectTimeout sets the dial timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetWriteTimeout sets the per-frame write timeout.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetKeepAlive sets the TCP keep-alive period.
func (o *Options) SetKeepAlive(d time.Duration) *Options {
	o.KeepAlive = d
	return o
}

// SetNoDelay enables or disables TCP_NODELAY.
func (o *Options) SetNoDelay(enable bool) *Options {
	o.NoDelay = enable
	return o
}

// SetMaxFrameSize sets the largest inbound frame accepted.
func (o *Options) SetMaxFrameSize(n uint32) *Options {
	o.MaxFrameSize = n
	return o
}

// SetDialer sets a custom dialer.
func (o *Options) SetDialer(d Dialer) *Options {
	o.Dialer = d
	return o
}

// SetHandler sets the inbound frame handler.
func (o *Options) SetHandler(h FrameHandler) *Options {
	o.Handler = h
	return o
}

// SetOnConnect sets the connection callback.
func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

// SetOnConnectFailure sets the connect failure callback.
func (o *Options) SetOnConnectFailure(fn func(error)) *Options {
	o.OnConnectFailure = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMetrics sets the metric instruments.
func (o *Options) SetMetrics(m *otel.Metrics) *Options {
	o.Metrics = m
	return o
}

// Validate checks the options for errors and fills unset fields.
func (o *Options) Validate() error {
	if o.Host == "" {
		return ErrEmptyHost
	}
	if o.Port <= 0 || o.Port > 65535 {
		return ErrInvalidPort
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = codec.MaxFrameSize
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{KeepAlive: o.KeepAlive}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
