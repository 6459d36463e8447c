package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a remote run",
		Long: `Requests cancellation of a run on the API server. The run stops before its
next level; stages already submitted finish.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			if err := client.CancelRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("cancel run %s: %w", args[0], err)
			}
			if c.ui.JSONMode() {
				return c.ui.JSON(map[string]string{"run_id": args[0], "status": "cancelling"})
			}
			c.ui.Success("Cancellation requested for run %s", args[0])
			return nil
		},
	}
}
