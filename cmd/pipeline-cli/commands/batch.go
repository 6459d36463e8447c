package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-cli/ui"
	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

// batchResult is the outcome of one document in a batch.
type batchResult struct {
	Source   string            `json:"source"`
	RunID    string            `json:"run_id,omitempty"`
	State    pipeline.RunState `json:"state"`
	Failed   []string          `json:"failed_stages,omitempty"`
	Duration string            `json:"duration,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func newBatchCmd(c *cli) *cobra.Command {
	var (
		metadata    []string
		concurrency int
		pattern     string
	)

	cmd := &cobra.Command{
		Use:   "batch <pipeline-file> [documents...]",
		Short: "Run a pipeline over many documents",
		Long: `Starts one run per document and reports an overall progress bar. Documents
are given as arguments and/or a glob pattern. Runs share the engine's worker
pool, so stage concurrency is bounded by the configured workers.`,
		Example: `  pipeline-cli batch pipeline.yaml docs/*.pdf
  pipeline-cli batch pipeline.yaml --glob 'brochures/**/*.pdf' --concurrency 8`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pcfg, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			sources, err := collectSources(args[1:], pattern)
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				return errors.New("no documents given")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			return c.withEngine(ctx, func(eng *engine.Engine) error {
				g, err := eng.Plan(pcfg)
				if err != nil {
					return err
				}
				results := c.runBatch(ctx, eng, pcfg, sources, meta, concurrency)
				return c.printBatch(g, results)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&metadata, "meta", "m", nil, "metadata applied to every document as key=value (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "maximum runs in flight")
	cmd.Flags().StringVar(&pattern, "glob", "", "glob pattern selecting additional documents")
	return cmd
}

// collectSources merges explicit paths and glob matches, dropping
// duplicates and directories.
func collectSources(paths []string, pattern string) ([]string, error) {
	candidates := append([]string(nil), paths...)
	if pattern != "" {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		candidates = append(candidates, matches...)
	}

	seen := make(map[string]bool, len(candidates))
	var out []string
	for _, path := range candidates {
		if seen[path] {
			continue
		}
		seen[path] = true
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

func (c *cli) runBatch(ctx context.Context, eng *engine.Engine, pcfg *dag.PipelineConfig, sources []string, meta map[string]any, concurrency int) []batchResult {
	var bar *ui.ProgressBar
	if !c.ui.JSONMode() {
		bar = ui.NewProgressBar(int64(len(sources)), "Processing")
	}

	results := make([]batchResult, len(sources))
	var mu sync.Mutex
	failed := 0

	group, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		group.SetLimit(concurrency)
	}
	for i, source := range sources {
		group.Go(func() error {
			res := c.runOne(gctx, eng, pcfg, source, meta)
			results[i] = res

			if bar != nil {
				mu.Lock()
				if res.State != pipeline.RunSucceeded {
					failed++
				}
				bar.Describe(fmt.Sprintf("Processing (%d failed)", failed))
				mu.Unlock()
				bar.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()
	if bar != nil {
		bar.Finish()
	}
	return results
}

func (c *cli) runOne(ctx context.Context, eng *engine.Engine, pcfg *dag.PipelineConfig, source string, meta map[string]any) batchResult {
	res := batchResult{Source: source}
	if ctx.Err() != nil {
		res.State = pipeline.RunCancelled
		res.Error = ctx.Err().Error()
		return res
	}

	runID, err := eng.RunPipeline(ctx, pcfg, documentInputs(source, "", meta))
	if err != nil {
		res.State = pipeline.RunFailed
		res.Error = err.Error()
		return res
	}
	res.RunID = runID

	report, err := eng.Wait(ctx, runID)
	if errors.Is(err, context.Canceled) {
		_ = eng.CancelRun(runID)
		res.State = pipeline.RunCancelled
		res.Error = err.Error()
		return res
	}
	if report == nil {
		res.State = pipeline.RunFailed
		if err != nil {
			res.Error = err.Error()
		}
		return res
	}

	res.State = report.State
	res.Failed = report.FailedStages()
	res.Duration = ui.FormatDuration(report.Duration)
	c.logger.Debug().
		Str("run_id", runID).
		Str("source", source).
		Str("state", string(report.State)).
		Msg("Batch document finished")
	return res
}

func (c *cli) printBatch(g *dag.Graph, results []batchResult) error {
	succeeded := 0
	for _, r := range results {
		if r.State == pipeline.RunSucceeded {
			succeeded++
		}
	}

	if c.ui.JSONMode() {
		if err := c.ui.JSON(map[string]any{
			"pipeline":  g.Name(),
			"total":     len(results),
			"succeeded": succeeded,
			"results":   results,
		}); err != nil {
			return err
		}
	} else {
		c.ui.Section(fmt.Sprintf("Batch: %s", g.Name()))
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			detail := r.Error
			if detail == "" && len(r.Failed) > 0 {
				detail = fmt.Sprintf("failed: %v", r.Failed)
			}
			rows = append(rows, []string{filepath.Base(r.Source), r.RunID, c.ui.State(string(r.State)), r.Duration, detail})
		}
		c.ui.Table([]string{"Document", "Run ID", "State", "Duration", "Detail"}, rows)
		c.ui.Newline()
	}

	if succeeded < len(results) {
		if !c.ui.JSONMode() {
			c.ui.Warning("%d of %d documents did not succeed", len(results)-succeeded, len(results))
		}
		return fmt.Errorf("%d of %d documents did not succeed", len(results)-succeeded, len(results))
	}
	if !c.ui.JSONMode() {
		c.ui.Success("All %d documents processed", len(results))
	}
	return nil
}
