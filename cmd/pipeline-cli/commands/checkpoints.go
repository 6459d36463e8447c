package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

func newCheckpointsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Manage run checkpoints",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				summaries, err := eng.Checkpoints(cmd.Context())
				if err != nil {
					return err
				}
				if c.ui.JSONMode() {
					return c.ui.JSON(map[string]any{"checkpoints": summaries, "count": len(summaries)})
				}
				if len(summaries) == 0 {
					c.ui.Info("No checkpoints in %s store", c.cfg.CheckpointDriver())
					return nil
				}
				c.ui.Section("Checkpoints")
				rows := make([][]string, 0, len(summaries))
				for _, s := range summaries {
					rows = append(rows, []string{
						s.RunID,
						s.Pipeline,
						fmt.Sprintf("%d", s.NextLevel),
						s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					})
				}
				c.ui.Table([]string{"Run ID", "Pipeline", "Next level", "Saved"}, rows)
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				if err := eng.DeleteCheckpoint(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("delete checkpoint %s: %w", args[0], err)
				}
				if c.ui.JSONMode() {
					return c.ui.JSON(map[string]string{"run_id": args[0], "status": "deleted"})
				}
				c.ui.Success("Deleted checkpoint of run %s", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, deleteCmd)
	return cmd
}
