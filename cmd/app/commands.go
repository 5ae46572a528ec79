package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"TradeDash/internal/di"
	"TradeDash/pkg/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tradedash",
		Short:         "TradeDash - live trading dashboard backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "config file path")

	load := func() (*config.Config, error) {
		cfg, err := config.LoadWithEnv(configPath)
		if err != nil {
			return nil, fmt.Errorf("config load failed: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load), newFetchCmd(load), newMigrateCmd(load))
	return root
}

type configLoader func() (*config.Config, error)

// newServeCmd runs the workers, the HTTP API and the push hub until interrupted.
func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch pipeline and serve the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, cleanup, err := di.InitializeApp(cfg)
			if err != nil {
				return fmt.Errorf("app initialization failed: %w", err)
			}
			defer cleanup()
			return app.Run(cmd.Context())
		},
	}
}

// newFetchCmd runs one info and OHLCV cycle, computes indicators and exits.
func newFetchCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Run a single fetch cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, cleanup, err := di.InitializeApp(cfg)
			if err != nil {
				return fmt.Errorf("app initialization failed: %w", err)
			}
			defer cleanup()

			rep, err := app.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cycle %s: keys=%d ok=%d inserted=%d degraded=%d failed=%d took=%s\n",
				rep.CycleID, rep.Keys, rep.Succeeded, rep.Inserted, rep.Degraded, rep.Failed, rep.Duration)
			return nil
		},
	}
}

// newMigrateCmd opens the configured store, which creates any missing schema.
func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			_, cleanup, err := di.InitializeStores(cfg)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", cfg.Store.Backend, err)
			}
			cleanup()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema ready\n", cfg.Store.Backend)
			return nil
		},
	}
}
