// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxnats/client"
	"github.com/absmach/fluxnats/config"
	"github.com/absmach/fluxnats/internal/telemetry"
	"github.com/spf13/cobra"
)

const (
	defaultName = "fluxnats-box"
	replyQueue  = "fluxnats-box"
	exitTimeout = 5 * time.Second
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configFile string
	servers    []string
	creds      string
	name       string
	logLevel   string
	logFormat  string

	providers *telemetry.Providers
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fluxnats",
		Short: "Publish, subscribe, request and reply from the command line",
		Long: `fluxnats is a small utility around the fluxnats client.

Examples:
  fluxnats pub orders.created '{"id":1}'
  fluxnats sub 'orders.>'
  fluxnats request time.now ''
  fluxnats reply time.now 'it is time'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.shutdownTelemetry()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to configuration file")
	flags.StringSliceVarP(&opts.servers, "server", "s", nil, "Server URLs (overrides config)")
	flags.StringVar(&opts.creds, "creds", "", "Authentication token")
	flags.StringVar(&opts.name, "name", defaultName, "Client name reported to the server")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: text, json")

	cmd.AddCommand(
		pubCmd(opts),
		subCmd(opts),
		requestCmd(opts),
		replyCmd(opts),
	)

	return cmd
}

// load reads the configuration and applies flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}

	if len(o.servers) > 0 {
		cfg.Client.Servers = o.servers
	}
	if o.creds != "" {
		cfg.Client.Token = o.creds
		cfg.Client.User = ""
		cfg.Client.Password = ""
	}
	if o.name != "" {
		cfg.Client.Name = o.name
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// connect loads the configuration and opens a client.
func (o *rootOptions) connect(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
	slog.SetDefault(logger)

	opts, err := cfg.ClientOptions(logger)
	if err != nil {
		return nil, err
	}

	o.providers, err = telemetry.Init(cmd.Context(), cfg.Telemetry, cfg.Client.Name)
	if err != nil {
		return nil, err
	}
	opts.SetMeterProvider(o.providers.MeterProvider).
		SetTracerProvider(o.providers.TracerProvider)
	opts.SetOnDisconnect(func(err error) {
		logger.Warn("Disconnected", slog.Any("error", err))
	}).SetOnReconnect(func() {
		logger.Info("Reconnected")
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.ConnectTimeout+time.Second)
	defer cancel()

	c, err := client.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	logger.Debug("Connected", slog.String("url", c.ConnectedURL()))
	return c, nil
}

func (o *rootOptions) shutdownTelemetry() error {
	if o.providers == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), exitTimeout)
	defer cancel()
	return o.providers.Shutdown(ctx)
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// drain flushes pending work before the process exits.
func drain(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), exitTimeout)
	defer cancel()

	if err := c.Drain(ctx); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}
