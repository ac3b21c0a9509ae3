package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/config"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/logging"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/terminal"
)

func newRunCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the terminal and print orders until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(configFlag)
			cfg, err := config.LoadOrSetup(path, os.Stdin, os.Stdout)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if listen != "" {
				cfg.Operator.Listen = listen
			}

			log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer log.Sync()

			log.Info("starting",
				zap.String("app", appName),
				zap.String("version", appVersion),
				zap.String("config", path),
				zap.String("api_url", cfg.Backend.APIURL),
				zap.String("ws_url", cfg.Backend.WSURL),
			)

			t, err := terminal.New(cfg, terminal.Options{}, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = t.Run(ctx)
			log.Info("shutting down")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "operator HTTP address, overrides operator.listen")
	return cmd
}
