// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Connection errors.
var (
	// Configuration errors.
	ErrEmptyHost   = errors.New("host cannot be empty")
	ErrInvalidPort = errors.New("invalid port (must be 1-65535)")

	// Connection errors.
	ErrConnect          = errors.New("connect failed")
	ErrNotConnected     = errors.New("connection not established")
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnectionLost   = errors.New("connection lost")

	// Operation errors.
	ErrSend = errors.New("send failed")
)
