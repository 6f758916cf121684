// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to assemble outbound frames.
package bufpool

import (
	"bytes"
	"sync"
)

// Frames larger than this are built in a fresh buffer and never pooled, so a
// single huge payload cannot pin memory for the life of the process.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer with at least size bytes of capacity.
func Get(size int) *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	b.Grow(size)
	return b
}

// Put returns b to the pool unless it grew past the pooling limit.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
