// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/absmach/qpush/config"
	"github.com/absmach/qpush/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.yaml")

	st, err := loadCursors(path)
	require.NoError(t, err)
	assert.Nil(t, st)

	p := payload.New(payload.ClassNormal, []byte("x")).At([]byte{0, 0, 0, 0, 0, 0, 0, 7})
	normal, err := payload.NewCursor("dev-1").AdvanceTo(p)
	require.NoError(t, err)
	broadcast := payload.NewCursor("dev-1")

	require.NoError(t, saveCursors(path, cursorState{Normal: normal, Broadcast: broadcast}))

	st, err = loadCursors(path)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, normal.Equal(st.Normal))
	assert.True(t, broadcast.Equal(st.Broadcast))
}

func TestOpenQueue(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	cfg := config.Default().Queue
	q, err := openQueue(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	cfg.Type = config.QueueBadger
	cfg.Badger.Dir = t.TempDir()
	q, err = openQueue(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	cfg.Type = "sqlite"
	_, err = openQueue(context.Background(), cfg, logger)
	assert.Error(t, err)
}

func TestAddCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Queue.Type = config.QueueBadger
	cfg.Queue.Badger.Dir = filepath.Join(dir, "data")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, cfg.Save(cfgPath))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfgPath, "--log-level", "error", "add", "hello", "--recipient", "dev-1"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.NotEmpty(t, strings.TrimSpace(out.String()))

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfgPath, "add", "hello", "--broadcast", "--recipient", "dev-1"})
	assert.ErrorIs(t, root.ExecuteContext(context.Background()), payload.ErrBroadcastTargets)
}

func TestInvalidLogLevel(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--log-level", "loud", "add", "x"})
	assert.Error(t, root.ExecuteContext(context.Background()))
}
