package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gcbio/ccdaemon/internal/daemon"
)

func newRunCmd() *cobra.Command {
	var skipValidate bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr, err := daemon.New(ctx, cfgPath, slog.Default())
			if err != nil {
				return err
			}
			if !skipValidate {
				if err := mgr.Validate(ctx); err != nil {
					return err
				}
			}

			// SIGHUP re-reads the config file and applies the queue caps.
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for range hup {
					slog.Info("reload signal received")
					mgr.TriggerReload()
				}
			}()

			return mgr.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&skipValidate, "skip-validation", false, "skip startup validation of external services")
	return cmd
}
