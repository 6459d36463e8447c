package commands

import (
	"github.com/spf13/cobra"

	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-cli/ui"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

type validateResult struct {
	Valid    bool     `json:"valid"`
	Pipeline string   `json:"pipeline"`
	Stages   int      `json:"stages"`
	Levels   int      `json:"levels"`
	Hash     string   `json:"hash"`
	Error    string   `json:"error,omitempty"`
	Order    []string `json:"order,omitempty"`
}

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Validate a pipeline definition",
		Long: `Checks the pipeline schema, rejects dangling dependencies, duplicate
stage names and cycles, and verifies every processor is registered.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var spin *ui.Spinner
			if !c.ui.JSONMode() {
				spin = ui.NewSpinner("Validating pipeline...")
				spin.Start()
			}
			stop := func() {
				if spin != nil {
					spin.Stop()
				}
			}

			pcfg, err := loadPipeline(args[0])
			if err != nil {
				stop()
				return c.reportInvalid(err)
			}

			return c.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				g, err := eng.Plan(pcfg)
				stop()
				if err != nil {
					return c.reportInvalid(err)
				}

				result := validateResult{
					Valid:    true,
					Pipeline: g.Name(),
					Stages:   g.Len(),
					Levels:   len(g.Levels()),
					Hash:     pcfg.Hash(),
					Order:    g.TopologicalOrder(),
				}
				if c.ui.JSONMode() {
					return c.ui.JSON(result)
				}
				c.ui.Success("Pipeline %q is valid", result.Pipeline)
				c.ui.KeyValue("Stages", result.Stages)
				c.ui.KeyValue("Levels", result.Levels)
				c.ui.KeyValue("Hash", result.Hash)
				return nil
			})
		},
	}
}

func (c *cli) reportInvalid(err error) error {
	if c.ui.JSONMode() {
		_ = c.ui.JSON(validateResult{Valid: false, Error: err.Error()})
	} else {
		c.ui.Error("Pipeline is invalid: %v", err)
	}
	return err
}
