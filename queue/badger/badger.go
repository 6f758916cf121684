// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed payload queue.
//
// Key format:
//   - schema:  meta/schema
//   - counter: seq/{class}
//   - payload: item/{class}/{position, 8 bytes big-endian}
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/qpush/payload"
	"github.com/absmach/qpush/queue"
	"github.com/dgraph-io/badger/v4"
)

var _ queue.Queue = (*Queue)(nil)

const schemaVersion = "1"

var (
	schemaKey = []byte("meta/schema")

	errSchemaMismatch = errors.New("unsupported schema version")
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // directory for BadgerDB data
	InMemory   bool   // keep everything in memory; Dir is ignored
	SyncWrites bool
	BatchSize  int

	// Compression is "", "s2" or "zstd". Bodies shorter than
	// CompressMinSize are always stored raw.
	Compression     string
	CompressMinSize int

	GCInterval time.Duration
	Logger     *slog.Logger
}

// Queue is a BadgerDB-backed queue.Queue.
type Queue struct {
	cfg    Config
	logger *slog.Logger
	codec  *recordCodec

	// mu serialises position assignment with the commit that uses it, so a
	// reader never observes position n+1 before n.
	mu   sync.Mutex
	db   *badger.DB
	next map[payload.Class]uint64

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
}

// New creates a BadgerDB queue. The database is opened by Init.
func New(cfg Config) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchSize
	}
	if cfg.CompressMinSize <= 0 {
		cfg.CompressMinSize = 256
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		logger: cfg.Logger,
		next:   make(map[payload.Class]uint64),
	}
}

// Init opens the database, checks the schema version and loads the stream
// counters. Calling it on an open queue is a no-op.
func (q *Queue) Init(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}
	if q.db != nil {
		return nil
	}

	codec, err := newRecordCodec(q.cfg.Compression, q.cfg.CompressMinSize)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInit, err)
	}

	opts := badger.DefaultOptions(q.cfg.Dir)
	if q.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = q.cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		codec.close()
		return fmt.Errorf("%w: %v", queue.ErrInit, err)
	}

	next, err := loadSchema(db)
	if err != nil {
		db.Close()
		codec.close()
		return fmt.Errorf("%w: %v", queue.ErrInit, err)
	}

	q.db = db
	q.codec = codec
	q.next = next
	q.gcStopCh = make(chan struct{})
	q.gcDone = make(chan struct{})
	go q.runGC()

	q.logger.Info("badger queue opened",
		slog.String("dir", q.cfg.Dir),
		slog.Bool("in_memory", q.cfg.InMemory),
		slog.Uint64("normal_tail", next[payload.ClassNormal]),
		slog.Uint64("broadcast_tail", next[payload.ClassBroadcast]))
	return nil
}

func loadSchema(db *badger.DB) (map[payload.Class]uint64, error) {
	next := make(map[payload.Class]uint64)

	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if err := txn.Set(schemaKey, []byte(schemaVersion)); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				if string(val) != schemaVersion {
					return fmt.Errorf("%w: %q", errSchemaMismatch, val)
				}
				return nil
			}); err != nil {
				return err
			}
		}

		for _, class := range []payload.Class{payload.ClassNormal, payload.ClassBroadcast} {
			item, err := txn.Get(seqKey(class))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt %s counter", class)
				}
				next[class] = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})

	return next, err
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

	pos := q.next[stored.Class] + 1
	data, err := q.codec.encode(stored)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrWrite, err)
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], pos)

	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(itemKey(stored.Class, pos), data); err != nil {
			return err
		}
		return txn.Set(seqKey(stored.Class), seq[:])
	})
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrWrite, err)
	}

	q.next[stored.Class] = pos
	return nil
}

// GetNormalItems returns normal payloads after cur.
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

	q.mu.Lock()
	err = q.ready()
	db, codec := q.db, q.codec
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	items := make([]*payload.Payload, 0)
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = streamPrefix(class)
		opts.PrefetchSize = q.cfg.BatchSize
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(itemKey(class, after+1)); it.Valid() && len(items) < q.cfg.BatchSize; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			pos := binary.BigEndian.Uint64(item.Key()[len(opts.Prefix):])

			var p *payload.Payload
			if err := item.Value(func(val []byte) error {
				var err error
				p, err = codec.decode(class, val)
				return err
			}); err != nil {
				return fmt.Errorf("position %d: %w", pos, err)
			}

			if class == payload.ClassNormal && !p.AddressedTo(cur.Consumer()) {
				continue
			}
			items = append(items, p.At(queue.PositionToken(pos)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrRead, err)
	}

	return items, nil
}

// Close stops value log GC and closes the database. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	db := q.db
	q.mu.Unlock()

	if db == nil {
		return nil
	}

	close(q.gcStopCh)
	<-q.gcDone
	err := db.Close()
	q.codec.close()
	return err
}

func (q *Queue) ready() error {
	if q.closed {
		return queue.ErrClosed
	}
	if q.db == nil {
		return queue.ErrNotInitialized
	}
	return nil
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (q *Queue) runGC() {
	defer close(q.gcDone)

	ticker := time.NewTicker(q.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns ErrNoRewrite when nothing was reclaimed.
			_ = q.db.RunValueLogGC(0.5)
		case <-q.gcStopCh:
			return
		}
	}
}

func seqKey(class payload.Class) []byte {
	return []byte{'s', 'e', 'q', '/', byte(class)}
}

func streamPrefix(class payload.Class) []byte {
	return []byte{'i', 't', 'e', 'm', '/', byte(class), '/'}
}

func itemKey(class payload.Class, pos uint64) []byte {
	prefix := streamPrefix(class)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], pos)
	return key
}
