package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

// planStage is the JSON view of one planned stage.
type planStage struct {
	Level     int      `json:"level"`
	Name      string   `json:"name"`
	Processor string   `json:"processor"`
	DependsOn []string `json:"depends_on,omitempty"`
	Strategy  string   `json:"strategy,omitempty"`
	Attempts  int      `json:"max_attempts"`
	Timeout   string   `json:"timeout,omitempty"`
	Enabled   bool     `json:"enabled"`
}

func newPlanCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <pipeline-file>",
		Short: "Print the execution levels of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pcfg, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			return c.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				g, err := eng.Plan(pcfg)
				if err != nil {
					return err
				}
				stages := planStages(g)
				if c.ui.JSONMode() {
					return c.ui.JSON(map[string]any{"pipeline": g.Name(), "levels": len(g.Levels()), "stages": stages})
				}

				c.ui.Section(fmt.Sprintf("Plan: %s", g.Name()))
				rows := make([][]string, 0, len(stages))
				for _, s := range stages {
					enabled := "yes"
					if !s.Enabled {
						enabled = "no"
					}
					rows = append(rows, []string{
						fmt.Sprintf("%d", s.Level),
						s.Name,
						s.Processor,
						strings.Join(s.DependsOn, ", "),
						s.Strategy,
						fmt.Sprintf("%d", s.Attempts),
						enabled,
					})
				}
				c.ui.Table([]string{"Level", "Stage", "Processor", "Depends on", "Strategy", "Attempts", "Enabled"}, rows)
				return nil
			})
		},
	}
}

func planStages(g *dag.Graph) []planStage {
	var out []planStage
	for level, names := range g.Levels() {
		for _, name := range names {
			stage, ok := g.Stage(name)
			if !ok {
				continue
			}
			sc := stage.Config
			ps := planStage{
				Level:     level,
				Name:      name,
				Processor: sc.Processor,
				DependsOn: sc.DependsOn,
				Strategy:  sc.Resources.Strategy,
				Attempts:  sc.MaxAttempts(),
				Enabled:   sc.IsEnabled(),
			}
			if sc.Timeout > 0 {
				ps.Timeout = sc.Timeout.String()
			}
			out = append(out, ps)
		}
	}
	return out
}
