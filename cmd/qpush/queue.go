// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/qpush/config"
	"github.com/absmach/qpush/queue"
	"github.com/absmach/qpush/queue/badger"
	"github.com/absmach/qpush/queue/memory"
	"github.com/absmach/qpush/queue/postgres"
	"github.com/absmach/qpush/queue/redis"
)

// openQueue builds and initializes the configured queue backend.
func openQueue(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (queue.Queue, error) {
	var q queue.Queue
	switch cfg.Type {
	case config.QueueMemory:
		q = memory.New(memory.Config{
			BatchSize: cfg.BatchSize,
			Logger:    logger,
		})
	case config.QueueBadger:
		q = badger.New(badger.Config{
			Dir:             cfg.Badger.Dir,
			SyncWrites:      cfg.Badger.SyncWrites,
			BatchSize:       cfg.BatchSize,
			Compression:     cfg.Badger.Compression,
			CompressMinSize: cfg.Badger.CompressMinSize,
			GCInterval:      cfg.Badger.GCInterval,
			Logger:          logger,
		})
	case config.QueuePostgres:
		q = postgres.New(postgres.Config{
			DSN:          cfg.Postgres.DSN,
			Table:        cfg.Postgres.Table,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			BatchSize:    cfg.BatchSize,
			Logger:       logger,
		})
	case config.QueueRedis:
		q = redis.New(redis.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Namespace:   cfg.Redis.Namespace,
			MaxIdle:     cfg.Redis.MaxIdle,
			IdleTimeout: cfg.Redis.IdleTimeout,
			BatchSize:   cfg.BatchSize,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("unknown queue type %q", cfg.Type)
	}

	if err := q.Init(ctx); err != nil {
		q.Close()
		return nil, err
	}
	logger.Info("Queue opened", slog.String("type", cfg.Type), slog.Int("batch_size", cfg.BatchSize))
	return q, nil
}
