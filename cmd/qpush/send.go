// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/qpush/client"
	"github.com/absmach/qpush/pkg/otel"
	"github.com/spf13/cobra"
)

// clientOptions maps the client section of the configuration.
func (a *app) clientOptions(metrics *otel.Metrics) *client.Options {
	cc := a.cfg.Client
	return client.NewOptions().
		SetHost(cc.Host).
		SetPort(cc.Port).
		SetConnectTimeout(cc.ConnectTimeout).
		SetWriteTimeout(cc.WriteTimeout).
		SetKeepAlive(cc.KeepAlive).
		SetNoDelay(cc.NoDelay).
		SetMaxFrameSize(cc.MaxFrameSize).
		SetLogger(a.logger).
		SetMetrics(metrics)
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send [messages...]",
		Short: "Send each argument, or each stdin line, as one frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			metrics, stopTelemetry, err := a.telemetry(ctx)
			if err != nil {
				return err
			}
			defer stopTelemetry()

			conn, err := client.New(a.clientOptions(metrics))
			if err != nil {
				return err
			}
			defer conn.Shutdown()

			if err := conn.Connect().Wait(ctx); err != nil {
				return err
			}

			messages := args
			if len(messages) == 0 {
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					messages = append(messages, sc.Text())
				}
				if err := sc.Err(); err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
			}

			results := make([]*client.Result, len(messages))
			for i, m := range messages {
				results[i] = conn.Send([]byte(m))
			}

			var errs []error
			for i, r := range results {
				if err := r.Wait(ctx); err != nil {
					errs = append(errs, fmt.Errorf("frame %d: %w", i, err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}

			a.logger.Info("Frames sent", slog.Int("count", len(messages)), slog.String("address", conn.Addr()))
			return nil
		},
	}
}
