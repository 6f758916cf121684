// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command qpush moves queued payloads to a framed TCP endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/qpush/config"
	"github.com/absmach/qpush/pkg/otel"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type app struct {
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "qpush",
		Short:        "Push queued payloads over length-prefixed TCP frames",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	root.AddCommand(
		newListenCmd(a),
		newSendCmd(a),
		newAddCmd(a),
		newPushCmd(a),
	)

	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)

	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// telemetry starts the OpenTelemetry providers when enabled. The returned
// shutdown function is never nil.
func (a *app) telemetry(ctx context.Context) (*otel.Metrics, func(), error) {
	noop := func() {}
	tc := a.cfg.Telemetry
	if !tc.Enabled {
		a.logger.Info("OpenTelemetry disabled")
		return nil, noop, nil
	}

	shutdown, err := otel.InitProvider(ctx, otel.Config{
		Endpoint:        tc.Endpoint,
		ServiceName:     tc.ServiceName,
		ServiceVersion:  tc.ServiceVersion,
		InstanceID:      uuid.NewString(),
		MetricsEnabled:  tc.MetricsEnabled,
		TracesEnabled:   tc.TracesEnabled,
		TraceSampleRate: tc.TraceSampleRate,
	})
	if err != nil {
		return nil, noop, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.logger.Info("OpenTelemetry initialized", slog.String("endpoint", tc.Endpoint))

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			a.logger.Error("OpenTelemetry shutdown failed", slog.String("error", err.Error()))
		}
	}

	if !tc.MetricsEnabled {
		return nil, stop, nil
	}
	m, err := otel.NewMetrics()
	if err != nil {
		stop()
		return nil, noop, fmt.Errorf("failed to create metrics: %w", err)
	}
	return m, stop, nil
}
