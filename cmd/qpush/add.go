// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/absmach/qpush/payload"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newAddCmd(a *app) *cobra.Command {
	var (
		broadcast  bool
		recipients []string
	)

	cmd := &cobra.Command{
		Use:   "add [body]",
		Short: "Add a payload to the configured queue; the body defaults to stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var body []byte
			if len(args) == 1 {
				body = []byte(args[0])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				body = b
			}

			class := payload.ClassNormal
			if broadcast {
				class = payload.ClassBroadcast
			}
			p := payload.New(class, body, recipients...)
			p.ID = uuid.NewString()
			if err := p.Validate(); err != nil {
				return err
			}

			q, err := openQueue(ctx, a.cfg.Queue, a.logger)
			if err != nil {
				return err
			}
			defer q.Close()

			if err := q.Add(ctx, p); err != nil {
				return err
			}

			a.logger.Info("Payload added",
				slog.String("id", p.ID),
				slog.String("class", class.String()),
				slog.Int("size", len(body)),
				slog.Any("recipients", recipients))
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&broadcast, "broadcast", false, "Add to the broadcast stream")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "Consumer ID the payload is addressed to (repeatable)")

	return cmd
}
