package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/app"
	"github.com/aitachi/envom/internal/config"
	"github.com/aitachi/envom/internal/logging"
	"github.com/aitachi/envom/internal/version"
)

type configFlags struct {
	path string
	set  []string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "path to the YAML config file")
	cmd.Flags().StringArrayVar(&f.set, "set", nil,
		"override an option, e.g. --set maxIterations=10 (oracleEndpoint, maxIterations, stepTimeoutSeconds, oracleTimeoutSeconds)")
}

func (f *configFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if f.path != "" {
		var err error
		if cfg, err = config.Load(f.path); err != nil {
			return nil, err
		}
	}
	if err := cfg.SetAll(f.set); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var (
		flags  configFlags
		listen string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger.Info("starting envom", version.Get().Fields()...)

			ctx, stop := signal.NotifyContext(background(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("shutdown", zap.Error(err))
				}
			}()
			return a.Run(ctx, cfg.Server.Listen)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "dispatch listen address, host:port (overrides server.listen)")
	return cmd
}

func newAskCmd() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "ask <request>",
		Short: "Plan and execute one free-text request locally and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := logging.New("warn", "console")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(background(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			reply := a.Agent.Handle(ctx, strings.Join(args, " "))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

// background is used when a command runs outside Execute (tests).
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
