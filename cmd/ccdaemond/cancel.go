package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gcbio/ccdaemon/internal/config"
	"github.com/gcbio/ccdaemon/internal/domain"
	"github.com/gcbio/ccdaemon/internal/postgres"
)

// newCancelCmd builds the out-of-band cancel command. It only flips the
// database row to CANCELLING; the running daemon's run worker picks that up
// on its next tick and interrupts the runner.
func newCancelCmd() *cobra.Command {
	var pipelineID int64

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Request cancellation of a running pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipelineID <= 0 {
				return fmt.Errorf("--pipeline-id is required")
			}
			ctx := cmd.Context()

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			pool, err := postgres.NewPool(ctx, cfg.Database.URL())
			if err != nil {
				return err
			}
			defer pool.Close()

			store := postgres.NewAnalysisStore(pool)
			if err := store.SyncStatuses(ctx); err != nil {
				return err
			}

			a, err := store.Get(ctx, pipelineID)
			if err != nil {
				return err
			}
			if a.Status.Terminal() {
				return fmt.Errorf("pipeline %d is already %s", pipelineID, a.Status)
			}
			if err := store.UpdateStatus(ctx, pipelineID, domain.StatusCancelling); err != nil {
				return err
			}

			slog.Info("cancellation requested", "pipeline_id", pipelineID, "previous_status", a.Status)
			return nil
		},
	}
	cmd.Flags().Int64Var(&pipelineID, "pipeline-id", 0, "id of the pipeline to cancel")
	return cmd
}
