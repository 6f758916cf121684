// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package postgres provides a PostgreSQL-backed payload queue.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/qpush/payload"
	"github.com/absmach/qpush/queue"
	"github.com/lib/pq"
)

var _ queue.Queue = (*Queue)(nil)

// DefaultTable is the table used when Config.Table is empty.
const DefaultTable = "qpush_payloads"

// Config holds PostgreSQL configuration.
type Config struct {
	DSN          string
	Table        string
	MaxOpenConns int
	BatchSize    int
	Logger       *slog.Logger
}

// Queue is a PostgreSQL-backed queue.Queue. Both streams share one table keyed
// by (class, seq).
type Queue struct {
	cfg    Config
	logger *slog.Logger
	table  string

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// New creates a PostgreSQL queue. The connection is opened by Init.
func New(cfg Config) *Queue {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		logger: cfg.Logger,
		table:  quoteIdentifier(cfg.Table),
	}
}

// Init connects to the database and creates the table if it does not exist.
// Calling it on an open queue is a no-op.
func (q *Queue) Init(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}
	if q.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", q.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: open database: %v", queue.ErrInit, err)
	}
	if q.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(q.cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: ping database: %v", queue.ErrInit, err)
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		class SMALLINT NOT NULL,
		seq BIGINT NOT NULL,
		payload_id VARCHAR(64) NOT NULL,
		recipients TEXT[] NOT NULL DEFAULT '{}',
		body BYTEA NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (class, seq)
	)`, q.table)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("%w: create table: %v", queue.ErrInit, err)
	}

	q.db = db
	q.logger.Info("postgres queue opened", slog.String("table", q.cfg.Table))
	return nil
}

// Add appends p to the stream of its class. Appends are serialised by a
// transaction-scoped advisory lock on the table name.
func (q *Queue) Add(ctx context.Context, p *payload.Payload) error {
	stored, err := queue.Prepare(p)
	if err != nil {
		return err
	}

	db, err := q.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", queue.ErrWrite, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", q.cfg.Table); err != nil {
		return fmt.Errorf("%w: acquire lock: %v", queue.ErrWrite, err)
	}

	var last int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE class = $1", q.table)
	if err := tx.QueryRowContext(ctx, query, int16(stored.Class)).Scan(&last); err != nil {
		return fmt.Errorf("%w: read tail: %v", queue.ErrWrite, err)
	}

	recipients := stored.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	body := stored.Body
	if body == nil {
		body = []byte{}
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (class, seq, payload_id, recipients, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, q.table)
	if _, err := tx.ExecContext(ctx, insert,
		int16(stored.Class), last+1, stored.ID, pq.Array(recipients), body, stored.CreatedAt); err != nil {
		return fmt.Errorf("%w: insert payload: %v", queue.ErrWrite, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", queue.ErrWrite, err)
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

func (q *Queue) read(ctx context.Context, cur payload.Cursor, class payload.Class) ([]*payload.Payload, error) {
	after, err := queue.CursorPosition(cur, class)
	if err != nil {
		return nil, err
	}

	db, err := q.conn()
	if err != nil {
		return nil, err
	}

	consumer := ""
	if class == payload.ClassNormal {
		consumer = cur.Consumer()
	}

	query := fmt.Sprintf(`
		SELECT seq, payload_id, recipients, body, created_at
		FROM %s
		WHERE class = $1 AND seq > $2
		  AND ($3 = '' OR cardinality(recipients) = 0 OR $3 = ANY(recipients))
		ORDER BY seq ASC
		LIMIT $4`, q.table)

	rows, err := db.QueryContext(ctx, query, int16(class), int64(after), consumer, q.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: query payloads: %v", queue.ErrRead, err)
	}
	defer rows.Close()

	items := make([]*payload.Payload, 0)
	for rows.Next() {
		var (
			seq        int64
			p          = &payload.Payload{Class: class}
			recipients []string
			createdAt  time.Time
		)
		if err := rows.Scan(&seq, &p.ID, pq.Array(&recipients), &p.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan payload: %v", queue.ErrRead, err)
		}
		if len(recipients) > 0 {
			p.Recipients = recipients
		}
		p.CreatedAt = createdAt.UTC()
		items = append(items, p.At(queue.PositionToken(uint64(seq))))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate payloads: %v", queue.ErrRead, err)
	}

	return items, nil
}

// Close closes the database connection. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *Queue) conn() (*sql.DB, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, queue.ErrClosed
	}
	if q.db == nil {
		return nil, queue.ErrNotInitialized
	}
	return q.db, nil
}

// quoteIdentifier quotes a PostgreSQL identifier, escaping embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
