// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory payload queue. Each delivery class is
// an append-only slice; a payload's position is its 1-based index.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/absmach/qpush/payload"
	"github.com/absmach/qpush/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Config configures the in-memory queue.
type Config struct {
	BatchSize int
	Logger    *slog.Logger
}

// Queue is an in-memory queue.Queue.
type Queue struct {
	mu          sync.RWMutex
	batchSize   int
	logger      *slog.Logger
	initialized bool
	closed      bool
	normal      []*payload.Payload
	broadcast   []*payload.Payload
}

// New creates an in-memory queue. Init must be called before use.
func New(cfg Config) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
	}
}

// Init marks the queue ready. Calling it again is a no-op.
func (q *Queue) Init(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}
	if !q.initialized {
		q.initialized = true
		q.logger.Debug("memory queue initialized", slog.Int("batch_size", q.batchSize))
	}
	return nil
}

// Add appends p to the stream of its class.
func (q *Queue) Add(ctx context.Context, p *payload.Payload) error {
	stored, err := queue.Prepare(p)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return err
	}

	stream := q.stream(stored.Class)
	pos := uint64(len(*stream)) + 1
	*stream = append(*stream, stored.At(queue.PositionToken(pos)))
	return nil
}

// GetNormalItems returns normal payloads after cur.
func (q *Queue) GetNormalItems(ctx context.Context, cur payload.Cursor) ([]*payload.Payload, error) {
	return q.read(cur, payload.ClassNormal)
}

// GetBroadcastItems returns broadcast payloads after cur.
func (q *Queue) GetBroadcastItems(ctx context.Context, cur payload.Cursor) ([]*payload.Payload, error) {
	return q.read(cur, payload.ClassBroadcast)
}

// Len returns the number of payloads stored for class.
func (q *Queue) Len(class payload.Class) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(*q.stream(class))
}

// Close drops all payloads. Later calls fail with queue.ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.normal = nil
	q.broadcast = nil
	return nil
}

func (q *Queue) read(cur payload.Cursor, class payload.Class) ([]*payload.Payload, error) {
	after, err := queue.CursorPosition(cur, class)
	if err != nil {
		return nil, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if err := q.ready(); err != nil {
		return nil, err
	}

	stream := *q.stream(class)
	items := make([]*payload.Payload, 0)
	for i := after; i < uint64(len(stream)) && len(items) < q.batchSize; i++ {
		p := stream[i]
		if class == payload.ClassNormal && !p.AddressedTo(cur.Consumer()) {
			continue
		}
		items = append(items, p.Clone())
	}
	return items, nil
}

func (q *Queue) ready() error {
	if q.closed {
		return queue.ErrClosed
	}
	if !q.initialized {
		return queue.ErrNotInitialized
	}
	return nil
}

func (q *Queue) stream(class payload.Class) *[]*payload.Payload {
	if class == payload.ClassBroadcast {
		return &q.broadcast
	}
	return &q.normal
}
