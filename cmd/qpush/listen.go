// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/absmach/qpush/ratelimit"
	"github.com/absmach/qpush/server/tcp"
	"github.com/spf13/cobra"
)

func newListenCmd(a *app) *cobra.Command {
	var echo bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a framed TCP server and log every received frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			metrics, stopTelemetry, err := a.telemetry(ctx)
			if err != nil {
				return err
			}
			defer stopTelemetry()

			sc := a.cfg.Server
			rl := ratelimit.NewManager(sc.RateLimit)
			defer rl.Stop()
			if sc.RateLimit.Enabled {
				a.logger.Info("Rate limiting enabled",
					slog.Bool("connection", sc.RateLimit.Connection.Enabled),
					slog.Bool("frame", sc.RateLimit.Frame.Enabled))
			}

			logger := a.logger
			handler := tcp.HandlerFunc(func(_ context.Context, c *tcp.Conn, frame []byte) {
				logger.Info("Frame received",
					slog.String("conn", c.ID()),
					slog.Int("size", len(frame)),
					slog.String("body", string(frame)))
				if echo {
					if err := c.Send(frame); err != nil {
						logger.Debug("echo failed", slog.String("conn", c.ID()), slog.String("error", err.Error()))
					}
				}
			})

			srv := tcp.New(tcp.Config{
				Address:         sc.Addr,
				Logger:          logger,
				Metrics:         metrics,
				RateLimiter:     rl,
				ShutdownTimeout: sc.ShutdownTimeout,
				WriteTimeout:    sc.WriteTimeout,
				IdleTimeout:     sc.IdleTimeout,
				MaxConnections:  sc.MaxConnections,
				MaxFrameSize:    sc.MaxFrameSize,
			}, handler)

			logger.Info("Starting TCP server", slog.String("address", sc.Addr))
			return srv.Listen(ctx)
		},
	}

	cmd.Flags().BoolVar(&echo, "echo", false, "Send every received frame back to its sender")

	return cmd
}
