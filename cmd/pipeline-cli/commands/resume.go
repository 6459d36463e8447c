package commands

import (
	"github.com/spf13/cobra"

	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-cli/ui"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

func newResumeCmd(c *cli) *cobra.Command {
	var (
		pipelineFile string
		noProgress   bool
	)

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a run from its last checkpoint",
		Long: `Restores the succeeded stages of a checkpointed run and continues from the
first level with unexecuted stages. The pipeline file must match the one the
run was started with.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pcfg, err := loadPipeline(pipelineFile)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			return c.withEngine(ctx, func(eng *engine.Engine) error {
				g, err := eng.Plan(pcfg)
				if err != nil {
					return err
				}
				if !c.ui.JSONMode() {
					c.ui.Info("Resuming run %s", args[0])
				}
				showBars := !noProgress && !c.ui.JSONMode() && ui.IsTerminal()
				report, err := c.follow(ctx, eng, g, func() (string, error) {
					return eng.Resume(ctx, args[0], pcfg)
				}, showBars)
				if report != nil {
					c.printReport(g, report)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&pipelineFile, "pipeline", "p", "", "pipeline file the run was started with")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable live progress bars")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}
