package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

func newProcessorsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "processors",
		Short: "List registered processors",
		Long:  `Lists the processors of a local engine, or of the API server when --server is set.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.serverURL != "" {
				client, err := c.client()
				if err != nil {
					return err
				}
				descriptors, err := client.Processors(cmd.Context())
				if err != nil {
					return fmt.Errorf("list processors: %w", err)
				}
				return c.printProcessors(descriptors)
			}
			return c.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				return c.printProcessors(eng.Processors())
			})
		},
	}
}

func (c *cli) printProcessors(descriptors []processor.Descriptor) error {
	if c.ui.JSONMode() {
		return c.ui.JSON(map[string]any{"processors": descriptors})
	}
	c.ui.Section("Processors")
	rows := make([][]string, 0, len(descriptors))
	for _, d := range descriptors {
		rows = append(rows, []string{
			d.Name,
			strings.Join(d.Capabilities.Accepts, ", "),
			strings.Join(d.Capabilities.Produces, ", "),
		})
	}
	c.ui.Table([]string{"Name", "Accepts", "Produces"}, rows)
	return nil
}
