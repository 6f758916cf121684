// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a Redis-backed payload queue. Each class is one Redis
// list; a payload's position is its 1-based list index, as returned by RPUSH.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/qpush/payload"
	"github.com/absmach/qpush/queue"
	"github.com/gomodule/redigo/redis"
)

var _ queue.Queue = (*Queue)(nil)

// DefaultNamespace prefixes list keys when Config.Namespace is empty.
const DefaultNamespace = "qpush"

// Config holds Redis configuration.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Namespace   string
	MaxIdle     int
	IdleTimeout time.Duration
	BatchSize   int
	Logger      *slog.Logger
}

type record struct {
	ID         string   `json:"id"`
	Recipients []string `json:"recipients,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	Body       []byte   `json:"body"`
}

// Queue is a Redis-backed queue.Queue.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	pool   *redis.Pool
	closed bool
}

// New creates a Redis queue. The connection pool is created by Init.
func New(cfg Config) *Queue {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 8
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 4 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{cfg: cfg, logger: cfg.Logger}
}

// Init creates the connection pool and checks the server is reachable.
// Calling it on an open queue is a no-op.
func (q *Queue) Init(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}
	if q.pool != nil {
		return nil
	}

	pool := &redis.Pool{
		MaxIdle:     q.cfg.MaxIdle,
		IdleTimeout: q.cfg.IdleTimeout,
		Dial:        q.dial,
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		pool.Close()
		return fmt.Errorf("%w: %v", queue.ErrInit, err)
	}
	defer conn.Close()

	if _, err := redis.String(conn.Do("PING")); err != nil {
		pool.Close()
		return fmt.Errorf("%w: %v", queue.ErrInit, err)
	}

	q.pool = pool
	q.logger.Info("redis queue opened",
		slog.String("addr", q.cfg.Addr),
		slog.String("namespace", q.cfg.Namespace))
	return nil
}

func (q *Queue) dial() (redis.Conn, error) {
	conn, err := redis.Dial("tcp", q.cfg.Addr, redis.DialDatabase(q.cfg.DB))
	if err != nil {
		return nil, err
	}
	if q.cfg.Password != "" {
		res, err := redis.String(conn.Do("AUTH", q.cfg.Password))
		if err != nil {
			conn.Close()
			return nil, err
		}
		if res != "OK" {
			conn.Close()
			return nil, fmt.Errorf("auth: expected 'OK', got '%s'", res)
		}
	}
	return conn, nil
}

// Add appends p to the list of its class.
func (q *Queue) Add(ctx context.Context, p *payload.Payload) error {
	stored, err := queue.Prepare(p)
	if err != nil {
		return err
	}

	data, err := json.Marshal(record{
		ID:         stored.ID,
		Recipients: stored.Recipients,
		CreatedAt:  stored.CreatedAt.UnixNano(),
		Body:       stored.Body,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrWrite, err)
	}

	conn, err := q.conn(ctx)
	if err != nil {
		return wrap(queue.ErrWrite, err)
	}
	defer conn.Close()

	if _, err := redis.Int64(conn.Do("RPUSH", q.key(stored.Class), data)); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrWrite, err)
	}
	return nil
}

// GetNormalItems returns normal payloads after cur addressed to its consumer.
func (q *Queue) GetNormalItems(ctx context.Context, cur payload.Cursor) ([]*payload.Payload, error) {
	return q.read(ctx, cur, payload.ClassNormal)
}

// GetBroadcastItems returns broadcast payloads after cur.
func (q *Queue) GetBroadcastItems(ctx context.Context, cur payload.Cursor) ([]*payload.Payload, error) {
	return q.read(ctx, cur, payload.ClassBroadcast)
}

// read pages through the list with LRANGE until a full batch of matching
// payloads is collected or the tail is reached.
func (q *Queue) read(ctx context.Context, cur payload.Cursor, class payload.Class) ([]*payload.Payload, error) {
	after, err := queue.CursorPosition(cur, class)
	if err != nil {
		return nil, err
	}

	conn, err := q.conn(ctx)
	if err != nil {
		return nil, wrap(queue.ErrRead, err)
	}
	defer conn.Close()

	key := q.key(class)
	page := int64(q.cfg.BatchSize)
	items := make([]*payload.Payload, 0)

	// List index i holds position i+1.
	for start := int64(after); len(items) < q.cfg.BatchSize; start += page {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		values, err := redis.ByteSlices(conn.Do("LRANGE", key, start, start+page-1))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", queue.ErrRead, err)
		}

		for i, data := range values {
			if len(items) == q.cfg.BatchSize {
				break
			}
			p, err := decode(class, data)
			if err != nil {
				return nil, fmt.Errorf("%w: position %d: %v", queue.ErrRead, start+int64(i)+1, err)
			}
			if class == payload.ClassNormal && !p.AddressedTo(cur.Consumer()) {
				continue
			}
			items = append(items, p.At(queue.PositionToken(uint64(start)+uint64(i)+1)))
		}

		if int64(len(values)) < page {
			break
		}
	}

	return items, nil
}

// Close closes the connection pool. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	if q.pool == nil {
		return nil
	}
	return q.pool.Close()
}

func (q *Queue) conn(ctx context.Context) (redis.Conn, error) {
	q.mu.RLock()
	closed, pool := q.closed, q.pool
	q.mu.RUnlock()

	if closed {
		return nil, queue.ErrClosed
	}
	if pool == nil {
		return nil, queue.ErrNotInitialized
	}

	return pool.GetContext(ctx)
}

// wrap tags pool errors with op, leaving lifecycle errors as they are.
func wrap(op, err error) error {
	if errors.Is(err, queue.ErrClosed) || errors.Is(err, queue.ErrNotInitialized) {
		return err
	}
	return fmt.Errorf("%w: %v", op, err)
}

func (q *Queue) key(class payload.Class) string {
	return q.cfg.Namespace + ":" + class.String()
}

func decode(class payload.Class, data []byte) (*payload.Payload, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &payload.Payload{
		ID:         rec.ID,
		Class:      class,
		Body:       rec.Body,
		Recipients: rec.Recipients,
		CreatedAt:  time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}
