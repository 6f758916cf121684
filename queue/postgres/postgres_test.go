// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/absmach/qpush/payload"
	"github.com/absmach/qpush/queue"
	"github.com/absmach/qpush/queue/queuetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

const dsnEnv = "QPUSH_TEST_POSTGRES_DSN"

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"payloads", `"payloads"`},
		{"my payloads", `"my payloads"`},
		{`table"name`, `"table""name"`},
		{"", `""`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, quoteIdentifier(tt.input))
		})
	}
}

func TestDefaults(t *testing.T) {
	q := New(Config{})
	assert.Equal(t, DefaultTable, q.cfg.Table)
	assert.Equal(t, queue.DefaultBatchSize, q.cfg.BatchSize)
}

func TestNotInitialized(t *testing.T) {
	q := New(Config{})
	assert.ErrorIs(t, q.Add(context.Background(), payload.New(payload.ClassNormal, nil)), queue.ErrNotInitialized)
	assert.NoError(t, q.Close())
	assert.ErrorIs(t, q.Init(context.Background()), queue.ErrClosed)
}

func TestConformance(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	queuetest.Run(t, func(t *testing.T, batchSize int) queue.Queue {
		table := "qpush_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		q := New(Config{DSN: dsn, Table: table, BatchSize: batchSize})
		t.Cleanup(func() { dropTable(t, dsn, table) })
		return q
	})
}

func dropTable(t *testing.T, dsn, table string) {
	q := New(Config{DSN: dsn, Table: table})
	if err := q.Init(context.Background()); err != nil {
		t.Logf("drop %s: %v", table, err)
		return
	}
	defer q.Close()
	if _, err := q.db.Exec("DROP TABLE IF EXISTS " + quoteIdentifier(table)); err != nil {
		t.Logf("drop %s: %v", table, err)
	}
}
