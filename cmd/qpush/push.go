// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/absmach/qpush/client"
	"github.com/absmach/qpush/payload"
	"github.com/absmach/qpush/pipe"
	"github.com/absmach/qpush/server/health"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// cursorState is the on-disk form of a pusher's cursors.
type cursorState struct {
	Normal    payload.Cursor `yaml:"normal"`
	Broadcast payload.Cursor `yaml:"broadcast"`
}

func loadCursors(path string) (*cursorState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	}
	var st cursorState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse cursor file: %w", err)
	}
	return &st, nil
}

func saveCursors(path string, st cursorState) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal cursors: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cursor file: %w", err)
	}
	return nil
}

func newPushCmd(a *app) *cobra.Command {
	var cursorFile string

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Drain the configured queue into the configured endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			metrics, stopTelemetry, err := a.telemetry(ctx)
			if err != nil {
				return err
			}
			defer stopTelemetry()

			q, err := openQueue(ctx, a.cfg.Queue, a.logger)
			if err != nil {
				return err
			}
			defer q.Close()

			logger := a.logger
			opts := a.clientOptions(metrics).
				SetOnConnect(func() { logger.Info("Connected") }).
				SetOnConnectFailure(func(err error) {
					logger.Warn("Connect failed", slog.String("error", err.Error()))
				}).
				SetOnConnectionLost(func(err error) {
					logger.Warn("Connection lost", slog.String("error", err.Error()))
				})
			conn, err := client.New(opts)
			if err != nil {
				return err
			}

			pc := a.cfg.Pipe
			p, err := pipe.New(q, conn, pipe.Options{
				ConsumerID:   pc.ConsumerID,
				PollInterval: pc.PollInterval,
				ReconnectMin: pc.ReconnectMin,
				ReconnectMax: pc.ReconnectMax,
				Breaker: pipe.BreakerConfig{
					FailureThreshold: pc.Breaker.FailureThreshold,
					ResetTimeout:     pc.Breaker.ResetTimeout,
				},
				Logger:  logger,
				Metrics: metrics,
			})
			if err != nil {
				return err
			}

			if cursorFile != "" {
				st, err := loadCursors(cursorFile)
				if err != nil {
					return err
				}
				if st != nil {
					if err := p.SetCursors(st.Normal, st.Broadcast); err != nil {
						return err
					}
					logger.Info("Cursors restored",
						slog.String("normal", st.Normal.String()),
						slog.String("broadcast", st.Broadcast.String()))
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return p.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				conn.Shutdown()
				return nil
			})
			if hc := a.cfg.Health; hc.Enabled {
				hs := health.New(health.Config{
					Address:         hc.Addr,
					ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
				}, p, logger)
				g.Go(func() error {
					return hs.Listen(gctx)
				})
			}
			err = g.Wait()

			if cursorFile != "" {
				normal, broadcast := p.Cursors()
				if serr := saveCursors(cursorFile, cursorState{Normal: normal, Broadcast: broadcast}); serr != nil {
					err = errors.Join(err, serr)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&cursorFile, "cursor-file", "", "Persist cursors to this file across runs")

	return cmd
}
