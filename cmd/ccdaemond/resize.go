package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gcbio/ccdaemon/internal/config"
)

// newResizeCmd builds the queue-cap editor. It rewrites the configuration
// file; a running daemon applies the new caps when it receives SIGHUP or
// notices the file change.
func newResizeCmd() *cobra.Command {
	var (
		action string
		value  int
	)

	cmd := &cobra.Command{
		Use:   "resize",
		Short: "Edit the pipeline queue caps in the configuration file",
		Long: `Edit the pipeline queue caps in the configuration file.

Actions: INCREASE (double both caps), DECREASE (halve both caps),
LOCK (zero both caps), RESET (restore defaults), CPU (set max_cpus to
--value), LOAD (set max_loading to --value).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := config.ParseResizeAction(action)
			if err != nil {
				return err
			}
			if (act == config.ResizeCPU || act == config.ResizeLoad) && value < 0 {
				return fmt.Errorf("--value is required for action %s", act)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			before := cfg.PipelineQueue
			if err := cfg.PipelineQueue.Resize(act, value); err != nil {
				return err
			}
			if err := cfg.Save(cfgPath); err != nil {
				return err
			}

			slog.Info("queue caps updated",
				"action", act,
				"max_cpus", fmt.Sprintf("%d -> %d", before.MaxCPUs, cfg.PipelineQueue.MaxCPUs),
				"max_loading", fmt.Sprintf("%d -> %d", before.MaxLoading, cfg.PipelineQueue.MaxLoading),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "resize action: INCREASE, DECREASE, LOCK, RESET, CPU, LOAD")
	cmd.Flags().IntVar(&value, "value", -1, "explicit cap value for the CPU and LOAD actions")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
