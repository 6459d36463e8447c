// Package commands implements the pipeline-cli command tree.
package commands

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-cli/ui"
	"github.com/spherical-ai/pipeline-engine/internal/config"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
)

// cli holds the state shared by all commands of one invocation.
type cli struct {
	cfgFile    string
	serverURL  string
	apiKey     string
	verbose    bool
	noColor    bool
	jsonOutput bool

	cfg    *config.Config
	logger *observability.Logger
	ui     *ui.UI
}

// NewRootCommand builds the pipeline-cli command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "pipeline-cli",
		Short: "Pipeline Engine CLI - validate, plan and run document pipelines",
		Long: `pipeline-cli runs DAG document pipelines locally or against a
pipeline-engine API server. Pipelines are YAML or JSON documents listing
stages, their processors and dependencies.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.cfgFile, "config", "c", os.Getenv("CONFIG_PATH"), "engine config file path")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	flags.BoolVar(&c.jsonOutput, "json", false, "output JSON")
	flags.StringVar(&c.serverURL, "server", os.Getenv("PIPELINE_SERVER"), "pipeline-engine API URL for remote commands")
	flags.StringVar(&c.apiKey, "api-key", "", "API key for the remote server (defaults to API_KEY)")

	rootCmd.AddCommand(
		newValidateCmd(c),
		newPlanCmd(c),
		newRunCmd(c),
		newResumeCmd(c),
		newBatchCmd(c),
		newProcessorsCmd(c),
		newStatusCmd(c),
		newCancelCmd(c),
		newCheckpointsCmd(c),
		newWorkerCmd(c),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	c.ui = ui.New(cmd.OutOrStdout(), cmd.ErrOrStderr(), c.jsonOutput, c.noColor)

	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}

	// Process workers re-exec this binary; hand them the same config.
	if c.cfgFile != "" && cfg.Workers.ProcessCommand == "" && slices.Equal(cfg.Workers.ProcessArgs, []string{"worker"}) {
		if abs, err := filepath.Abs(c.cfgFile); err == nil {
			cfg.Workers.ProcessArgs = []string{"worker", "--config", abs}
		}
	}
	c.cfg = cfg

	level := "warn"
	if c.verbose {
		level = "debug"
	}
	format := "console"
	if c.jsonOutput {
		format = "json"
	}
	c.logger = observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      format,
		Output:      cmd.ErrOrStderr(),
		ServiceName: cfg.Observability.ServiceName,
	})

	if c.apiKey == "" {
		c.apiKey = cfg.Server.APIKey
	}
	return nil
}
