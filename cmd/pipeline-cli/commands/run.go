package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-cli/ui"
	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

type runOptions struct {
	source     string
	documentID string
	metadata   []string
	noProgress bool
	remote     bool
	poll       time.Duration
}

func newRunCmd(c *cli) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run a pipeline against one document",
		Long: `Runs the pipeline locally with live per-stage progress, or submits it to
the API server with --remote and follows it until it finishes.`,
		Example: `  pipeline-cli run pipeline.yaml --source brochure.pdf
  pipeline-cli run pipeline.yaml --source brochure.pdf --meta campaign=spring
  pipeline-cli run pipeline.yaml --source brochure.pdf --remote --server http://localhost:8090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pcfg, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			metadata, err := parseMetadata(opts.metadata)
			if err != nil {
				return err
			}
			in := documentInputs(opts.source, opts.documentID, metadata)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if opts.remote {
				return c.runRemote(ctx, pcfg, in, opts.poll)
			}
			return c.runLocal(ctx, pcfg, in, opts.noProgress)
		},
	}

	cmd.Flags().StringVarP(&opts.source, "source", "s", "", "source document path")
	cmd.Flags().StringVar(&opts.documentID, "document-id", "", "document id (defaults to the source file name)")
	cmd.Flags().StringArrayVarP(&opts.metadata, "meta", "m", nil, "document metadata as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "disable live progress bars")
	cmd.Flags().BoolVar(&opts.remote, "remote", false, "submit the run to the API server")
	cmd.Flags().DurationVar(&opts.poll, "poll", 500*time.Millisecond, "status poll interval in remote mode")
	return cmd
}

func (c *cli) runLocal(ctx context.Context, pcfg *dag.PipelineConfig, in pipeline.Inputs, noProgress bool) error {
	return c.withEngine(ctx, func(eng *engine.Engine) error {
		g, err := eng.Plan(pcfg)
		if err != nil {
			return err
		}
		if !c.ui.JSONMode() {
			c.ui.Info("Running %q (%d stages, %d levels)", g.Name(), g.Len(), len(g.Levels()))
		}

		showBars := !noProgress && !c.ui.JSONMode() && ui.IsTerminal()
		report, err := c.follow(ctx, eng, g, func() (string, error) {
			return eng.RunPipeline(ctx, pcfg, in)
		}, showBars)
		if report != nil {
			c.printReport(g, report)
		}
		return err
	})
}

func (c *cli) runRemote(ctx context.Context, pcfg *dag.PipelineConfig, in pipeline.Inputs, poll time.Duration) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	resp, err := client.SubmitRun(ctx, engine.RunRequest{Pipeline: pcfg, Inputs: in})
	if err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	if !c.ui.JSONMode() {
		c.ui.Success("Run %s accepted", resp.RunID)
	}

	status, err := c.pollRun(ctx, client, resp.RunID, poll)
	if err != nil {
		return err
	}
	c.printStatus(status)
	if status.State != pipeline.RunSucceeded {
		return fmt.Errorf("run %s %s", status.RunID, status.State)
	}
	return nil
}

// pollRun follows a remote run until it reaches a terminal state.
// Interrupting the CLI cancels the remote run.
func (c *cli) pollRun(ctx context.Context, client *engine.Client, runID string, interval time.Duration) (*pipeline.Status, error) {
	var spin *ui.Spinner
	if !c.ui.JSONMode() {
		spin = ui.NewSpinner("Waiting for run " + runID)
		spin.Start()
		defer spin.Stop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := client.GetRun(ctx, runID)
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("get run %s: %w", runID, err)
		}
		if status != nil {
			if status.State.Terminal() {
				return status, nil
			}
			if spin != nil {
				spin.UpdateMessage(fmt.Sprintf("Run %s %s (%.0f%%, level %d/%d)",
					runID, status.State, status.Progress, status.Level+1, status.Levels))
			}
		}

		select {
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.CancelRun(cancelCtx, runID); err != nil {
				c.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to cancel remote run")
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *cli) printStatus(status *pipeline.Status) {
	if c.ui.JSONMode() {
		_ = c.ui.JSON(status)
		return
	}
	c.ui.Section("Run status")
	c.ui.KeyValue("Run ID", status.RunID)
	c.ui.KeyValue("Pipeline", status.Pipeline)
	c.ui.KeyValue("State", c.ui.State(string(status.State)))
	c.ui.KeyValue("Progress", fmt.Sprintf("%.0f%%", status.Progress))
	if status.FinishedAt != nil {
		c.ui.KeyValue("Duration", ui.FormatDuration(status.FinishedAt.Sub(status.StartedAt)))
	}
	c.ui.Newline()

	rows := make([][]string, 0, len(status.Stages))
	for _, s := range status.Stages {
		detail := s.Error
		if detail == "" {
			detail = s.Reason
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", s.Level),
			s.Name,
			c.ui.State(string(s.State)),
			fmt.Sprintf("%.0f%%", s.Percent),
			fmt.Sprintf("%d", s.Attempts),
			detail,
		})
	}
	c.ui.Table([]string{"Level", "Stage", "State", "Progress", "Attempts", "Detail"}, rows)
}
