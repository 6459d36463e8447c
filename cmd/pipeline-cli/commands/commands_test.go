package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
)

const testPipeline = `name: cli-test
stages:
  - name: first
    processor: passthrough
  - name: second
    processor: passthrough
    depends_on: [first]
  - name: optional
    processor: passthrough
    depends_on: [first]
    enabled: false
`

const cyclicPipeline = `name: cyclic
stages:
  - name: a
    processor: passthrough
    depends_on: [b]
  - name: b
    processor: passthrough
    depends_on: [a]
`

type fixture struct {
	dir      string
	config   string
	pipeline string
	source   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := `workers:
  cooperative: 2
  thread: 1
  process: 0
resources:
  max_cpu_percent: 100
  max_memory_percent: 100
checkpoint:
  driver: file
  dir: ./checkpoints
`
	f := fixture{
		dir:      dir,
		config:   filepath.Join(dir, "engine.yaml"),
		pipeline: filepath.Join(dir, "pipeline.yaml"),
		source:   filepath.Join(dir, "doc.pdf"),
	}
	require.NoError(t, os.WriteFile(f.config, []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(f.pipeline, []byte(testPipeline), 0o644))
	require.NoError(t, os.WriteFile(f.source, []byte("%PDF-1.4"), 0o644))
	return f
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestValidateCommand(t *testing.T) {
	f := newFixture(t)

	out, err := execute(t, "validate", f.pipeline, "--config", f.config, "--json")
	require.NoError(t, err)

	var result validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, "cli-test", result.Pipeline)
	assert.Equal(t, 3, result.Stages)
	assert.Equal(t, 2, result.Levels)
	assert.Equal(t, "first", result.Order[0])
	assert.NotEmpty(t, result.Hash)
}

func TestValidateCommand_Cycle(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "cyclic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cyclicPipeline), 0o644))

	out, err := execute(t, "validate", path, "--config", f.config, "--json")
	require.Error(t, err)

	var cycle *dag.CyclicPipelineError
	assert.ErrorAs(t, err, &cycle)

	var result validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Error)
}

func TestPlanCommand(t *testing.T) {
	f := newFixture(t)

	out, err := execute(t, "plan", f.pipeline, "--config", f.config, "--json")
	require.NoError(t, err)

	var plan struct {
		Pipeline string      `json:"pipeline"`
		Levels   int         `json:"levels"`
		Stages   []planStage `json:"stages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, 2, plan.Levels)
	require.Len(t, plan.Stages, 3)
	assert.Equal(t, "first", plan.Stages[0].Name)
	assert.Equal(t, 0, plan.Stages[0].Level)
	for _, s := range plan.Stages[1:] {
		assert.Equal(t, 1, s.Level)
		assert.Equal(t, []string{"first"}, s.DependsOn)
	}
	enabled := make(map[string]bool)
	for _, s := range plan.Stages {
		enabled[s.Name] = s.Enabled
	}
	assert.Equal(t, map[string]bool{"first": true, "second": true, "optional": false}, enabled)
}

func TestRunCommand(t *testing.T) {
	f := newFixture(t)

	out, err := execute(t, "run", f.pipeline, "--config", f.config, "--source", f.source,
		"--meta", "campaign=spring", "--json", "--no-progress")
	require.NoError(t, err)

	var report pipeline.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, pipeline.RunSucceeded, report.State)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, pipeline.ReasonDisabled, report.Stages["optional"].Reason)

	out, err = execute(t, "checkpoints", "list", "--config", f.config, "--json")
	require.NoError(t, err)

	var listing struct {
		Count       int `json:"count"`
		Checkpoints []struct {
			RunID string `json:"run_id"`
		} `json:"checkpoints"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, report.RunID, listing.Checkpoints[0].RunID)

	_, err = execute(t, "checkpoints", "delete", report.RunID, "--config", f.config, "--json")
	require.NoError(t, err)

	out, err = execute(t, "checkpoints", "list", "--config", f.config, "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	assert.Zero(t, listing.Count)
}

func TestBatchCommand(t *testing.T) {
	f := newFixture(t)
	second := filepath.Join(f.dir, "other.pdf")
	require.NoError(t, os.WriteFile(second, []byte("%PDF-1.4"), 0o644))

	out, err := execute(t, "batch", f.pipeline, f.source, "--glob", filepath.Join(f.dir, "*.pdf"),
		"--config", f.config, "--json")
	require.NoError(t, err)

	var summary struct {
		Total     int           `json:"total"`
		Succeeded int           `json:"succeeded"`
		Results   []batchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	for _, r := range summary.Results {
		assert.NotEmpty(t, r.RunID)
		assert.Equal(t, pipeline.RunSucceeded, r.State)
	}
}

func TestProcessorsCommand(t *testing.T) {
	f := newFixture(t)

	out, err := execute(t, "processors", "--config", f.config, "--json")
	require.NoError(t, err)

	var listing struct {
		Processors []struct {
			Name string `json:"name"`
		} `json:"processors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	var names []string
	for _, p := range listing.Processors {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "passthrough")
	assert.Contains(t, names, "document.parse")
}

func TestRemoteCommandsRequireServer(t *testing.T) {
	f := newFixture(t)
	t.Setenv("PIPELINE_SERVER", "")

	_, err := execute(t, "status", "--config", f.config)
	assert.ErrorIs(t, err, errRemoteRequired)

	_, err = execute(t, "cancel", "run-1", "--config", f.config)
	assert.ErrorIs(t, err, errRemoteRequired)
}

func TestParseMetadata(t *testing.T) {
	meta, err := parseMetadata([]string{"campaign=spring", "region = eu", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"campaign": "spring", "region": " eu", "note": "a=b"}, meta)

	meta, err = parseMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, meta)

	_, err = parseMetadata([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseMetadata([]string{"=value"})
	assert.Error(t, err)
}

func TestDocumentInputs(t *testing.T) {
	in := documentInputs("/data/brochure.pdf", "", nil)
	assert.Equal(t, "brochure.pdf", in.DocumentID)
	assert.Equal(t, "/data/brochure.pdf", in.Source)

	in = documentInputs("/data/brochure.pdf", "doc-42", map[string]any{"k": "v"})
	assert.Equal(t, "doc-42", in.DocumentID)
	assert.Equal(t, "v", in.Metadata["k"])
}

func TestCollectSources(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.pdf")
	b := filepath.Join(dir, "b.pdf")
	require.NoError(t, os.WriteFile(a, nil, 0o644))
	require.NoError(t, os.WriteFile(b, nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.pdf"), 0o755))

	sources, err := collectSources([]string{b}, filepath.Join(dir, "*.pdf"))
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, sources)

	_, err = collectSources(nil, "[")
	assert.Error(t, err)
}

func TestStageOrder(t *testing.T) {
	g, err := dag.Build(&dag.PipelineConfig{
		Name: "order",
		Stages: []dag.StageConfig{
			{Name: "z", Processor: "passthrough"},
			{Name: "a", Processor: "passthrough", DependsOn: []string{"z"}},
		},
	})
	require.NoError(t, err)

	report := &pipeline.Report{Stages: map[string]pipeline.StageResult{
		"a":     {Stage: "a"},
		"z":     {Stage: "z"},
		"extra": {Stage: "extra"},
	}}
	assert.Equal(t, []string{"z", "a", "extra"}, stageOrder(g, report))
	assert.Equal(t, []string{"a", "extra", "z"}, stageOrder(nil, report))
}
