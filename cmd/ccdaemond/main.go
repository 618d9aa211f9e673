// ccdaemond is the pipeline control-plane daemon. It schedules analyses from
// the database onto cloud VMs, tracks their lifecycle, and ingests the
// completion reports they post back.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	root := &cobra.Command{
		Use:           "ccdaemond",
		Short:         "Cloud pipeline control-plane daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "ccdaemon.yaml", "path to the configuration file")
	root.AddCommand(newRunCmd(), newCancelCmd(), newResizeCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
