// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue defines the payload queue contract shared by all storage
// backends: cursor-scoped reads split into a normal and a broadcast stream,
// plus an append-only write path.
package queue

import (
	"context"

	"github.com/absmach/qpush/payload"
)

// DefaultBatchSize bounds the number of payloads returned by a single read.
const DefaultBatchSize = 100

// Queue is a payload store. Implementations must be safe for concurrent use
// and must make Add linearizable with respect to reads: a reader either sees
// an added payload in full, at its final position, or not at all.
type Queue interface {
	// Init opens the backing storage and prepares its schema. It is
	// idempotent and must succeed before any other call.
	Init(ctx context.Context) error

	// Add appends a copy of p to the stream of its class at the next
	// position, filling in an empty ID or creation time. p itself is not
	// modified. Outstanding cursors are unaffected.
	Add(ctx context.Context, p *payload.Payload) error

	// GetNormalItems returns normal payloads strictly after cur, in insertion
	// order, up to the backend's batch size. A cursor that names a consumer
	// only sees payloads that list it as a recipient or that have no
	// recipients at all, so an unaddressed normal payload reaches every
	// consumer. Anonymous cursors see everything. The cursor is never
	// advanced.
	GetNormalItems(ctx context.Context, cur payload.Cursor) ([]*payload.Payload, error)

	// GetBroadcastItems is GetNormalItems for the broadcast stream, which
	// every cursor sees in full.
	GetBroadcastItems(ctx context.Context, cur payload.Cursor) ([]*payload.Payload, error)

	// Close releases the backing storage.
	Close() error
}

// Items dispatches to the read method for class.
func Items(ctx context.Context, q Queue, class payload.Class, cur payload.Cursor) ([]*payload.Payload, error) {
	switch class {
	case payload.ClassNormal:
		return q.GetNormalItems(ctx, cur)
	case payload.ClassBroadcast:
		return q.GetBroadcastItems(ctx, cur)
	default:
		return nil, payload.ErrInvalidClass
	}
}
