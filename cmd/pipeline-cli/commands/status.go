package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-cli/ui"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
)

func newStatusCmd(c *cli) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show remote run status",
		Long:  `Shows one run of the API server, or lists its runs when no id is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				status, err := client.GetRun(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("get run %s: %w", args[0], err)
				}
				c.printStatus(status)
				return nil
			}

			runs, err := client.ListRuns(cmd.Context())
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if state != "" {
				filtered := runs[:0]
				for _, r := range runs {
					if string(r.State) == state {
						filtered = append(filtered, r)
					}
				}
				runs = filtered
			}
			c.printRuns(runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only list runs in this state")
	return cmd
}

func (c *cli) printRuns(runs []pipeline.Status) {
	if c.ui.JSONMode() {
		_ = c.ui.JSON(map[string]any{"runs": runs, "count": len(runs)})
		return
	}
	if len(runs) == 0 {
		c.ui.Info("No runs")
		return
	}
	c.ui.Section("Runs")
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		duration := ""
		if r.FinishedAt != nil {
			duration = ui.FormatDuration(r.FinishedAt.Sub(r.StartedAt))
		}
		rows = append(rows, []string{
			r.RunID,
			r.Pipeline,
			c.ui.State(string(r.State)),
			fmt.Sprintf("%.0f%%", r.Progress),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
		})
	}
	c.ui.Table([]string{"Run ID", "Pipeline", "State", "Progress", "Started", "Duration"}, rows)
}
