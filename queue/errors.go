// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

// Queue errors. Backends wrap the underlying cause with these sentinels.
var (
	ErrInit           = errors.New("queue init failed")
	ErrWrite          = errors.New("queue write failed")
	ErrRead           = errors.New("queue read failed")
	ErrNotInitialized = errors.New("queue not initialized")
	ErrCursorClass    = errors.New("cursor belongs to the other stream")
	ErrClosed         = errors.New("queue closed")
)
