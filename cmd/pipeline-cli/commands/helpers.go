package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-cli/ui"
	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
	"github.com/spherical-ai/pipeline-engine/internal/progress"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

// errRemoteRequired is returned by commands that only talk to a server.
var errRemoteRequired = errors.New("--server (or PIPELINE_SERVER) is required for this command")

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func loadPipeline(path string) (*dag.PipelineConfig, error) {
	if path == "" {
		return nil, errors.New("pipeline file is required")
	}
	cfg, err := dag.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", path, err)
	}
	return cfg, nil
}

// withEngine starts a local engine, runs fn and shuts the engine down.
func (c *cli) withEngine(ctx context.Context, fn func(*engine.Engine) error) error {
	eng, err := engine.New(ctx, c.cfg, engine.WithLogger(c.logger))
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	eng.Start(ctx)

	runErr := fn(eng)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.GracefulShutdown)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn().Err(err).Msg("Engine shutdown incomplete")
	}
	return runErr
}

func (c *cli) client() (*engine.Client, error) {
	if c.serverURL == "" {
		return nil, errRemoteRequired
	}
	return engine.NewClient(engine.ClientConfig{BaseURL: c.serverURL, APIKey: c.apiKey})
}

// parseMetadata turns repeated key=value flags into a metadata map.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// documentInputs builds run inputs for a source document. The document id
// defaults to the file name.
func documentInputs(source, documentID string, metadata map[string]any) pipeline.Inputs {
	if documentID == "" && source != "" {
		documentID = filepath.Base(source)
	}
	return pipeline.Inputs{DocumentID: documentID, Source: source, Metadata: metadata}
}

// stageOrder lists report stages in graph order, falling back to name order
// for stages the graph does not know.
func stageOrder(g *dag.Graph, report *pipeline.Report) []string {
	var order []string
	seen := make(map[string]bool)
	if g != nil {
		for _, name := range g.TopologicalOrder() {
			if _, ok := report.Stages[name]; ok {
				order = append(order, name)
				seen[name] = true
			}
		}
	}
	var rest []string
	for name := range report.Stages {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func reportRows(out *ui.UI, g *dag.Graph, report *pipeline.Report) [][]string {
	rows := make([][]string, 0, len(report.Stages))
	for _, name := range stageOrder(g, report) {
		sr := report.Stages[name]
		detail := sr.Error
		if detail == "" {
			detail = sr.Reason
		}
		rows = append(rows, []string{
			name,
			out.State(string(sr.State)),
			fmt.Sprintf("%d", sr.Attempts),
			ui.FormatDuration(sr.Duration),
			detail,
		})
	}
	return rows
}

func (c *cli) printReport(g *dag.Graph, report *pipeline.Report) {
	if c.ui.JSONMode() {
		_ = c.ui.JSON(report)
		return
	}
	c.ui.Section("Run report")
	c.ui.KeyValue("Run ID", report.RunID)
	c.ui.KeyValue("Pipeline", report.Pipeline)
	c.ui.KeyValue("State", c.ui.State(string(report.State)))
	c.ui.KeyValue("Duration", ui.FormatDuration(report.Duration))
	c.ui.KeyValue("Stages", fmt.Sprintf("%d succeeded, %d failed, %d skipped of %d",
		report.Succeeded, report.Failed, report.Skipped, report.Total))
	c.ui.Newline()
	c.ui.Table([]string{"Stage", "State", "Attempts", "Duration", "Detail"}, reportRows(c.ui, g, report))
}

// follow waits for a local run, rendering stage bars when the output is
// interactive and step lines otherwise.
func (c *cli) follow(ctx context.Context, eng *engine.Engine, g *dag.Graph, start func() (string, error), showBars bool) (*pipeline.Report, error) {
	var bars *ui.StageBars
	if showBars {
		bars = ui.NewStageBars(c.ui.ErrOut(), g.TopologicalOrder())
	}

	// Only one run is started per follow, so every update belongs to it.
	unsubscribe := eng.Tracker().Subscribe(func(u progress.Update) {
		if u.Stage == "" {
			return
		}
		if bars != nil {
			bars.Update(u.Stage, u.StageState, u.StagePercent)
			return
		}
		switch u.StageState {
		case progress.StateSucceeded, progress.StateFailed, progress.StateSkipped, progress.StateCancelled:
			c.ui.Step("%s %s", u.Stage, c.ui.State(u.StageState))
		}
	})

	runID, err := start()
	if err != nil {
		unsubscribe()
		if bars != nil {
			bars.Wait()
		}
		return nil, err
	}
	c.logger.Debug().Str("run_id", runID).Msg("Run started")

	report, err := eng.Wait(ctx, runID)
	if errors.Is(err, context.Canceled) {
		// Interrupted: request cancellation and collect the final report.
		_ = eng.CancelRun(runID)
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		report, err = eng.Wait(waitCtx, runID)
		cancel()
	}
	unsubscribe()
	if bars != nil {
		bars.Wait()
	}
	return report, err
}
