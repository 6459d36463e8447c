package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

func newWorkerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve one process-strategy task over stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return engine.ServeWorker(ctx, c.cfg, os.Stdin, os.Stdout, engine.WithLogger(c.logger.WithComponent("worker")))
		},
	}
}
